package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/btc-updown-sniper/internal/alert"
	"github.com/web3guy0/btc-updown-sniper/internal/balance"
	"github.com/web3guy0/btc-updown-sniper/internal/config"
	"github.com/web3guy0/btc-updown-sniper/internal/oddsfeed"
	"github.com/web3guy0/btc-updown-sniper/internal/orderclient"
	"github.com/web3guy0/btc-updown-sniper/internal/priceoracle"
	"github.com/web3guy0/btc-updown-sniper/internal/reconciler"
	"github.com/web3guy0/btc-updown-sniper/internal/redeem"
	"github.com/web3guy0/btc-updown-sniper/internal/scanner"
	"github.com/web3guy0/btc-updown-sniper/internal/store"
)

const version = "v1.0"

func main() {
	// ═══════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found")
	} else {
		log.Info().Msg("loaded .env file")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if cfg.LogFormat == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msgf("btc updown sniper %s starting", version)

	httpTimeout := time.Duration(cfg.HTTPTimeoutMs) * time.Millisecond

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 1: PERSISTENCE
	// ═══════════════════════════════════════════════════════════════════

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open trade store")
	}
	log.Info().Msg("trade store initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 2: MARKET DATA
	// ═══════════════════════════════════════════════════════════════════

	historical := priceoracle.NewHistoricalOracle(httpTimeout)
	feed := priceoracle.New(cfg.OracleWSURL, historical)
	feed.Start()
	log.Info().Msg("price oracle feed started")

	odds := oddsfeed.New(cfg.GammaAPIURL, cfg.CLOBAPIURL, time.Duration(cfg.OddsPrefetchMs)*time.Millisecond, httpTimeout)
	odds.Start()
	log.Info().Msg("odds feed started")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 3: ORDER CLIENT & BALANCE
	// ═══════════════════════════════════════════════════════════════════

	order, err := orderclient.New(orderclient.Config{
		DryRun:        cfg.DryRun,
		BaseURL:       cfg.CLOBAPIURL,
		HTTPTimeout:   httpTimeout,
		PrivateKeyHex: cfg.PrivateKey,
		APIKey:        cfg.APIKey,
		APISecret:     cfg.APISecret,
		Passphrase:    cfg.Passphrase,
		Funder:        cfg.Funder,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize order client")
	}

	bal := balance.New(cfg.DryRun, cfg.InitialBalance, order)
	log.Info().Str("balance", bal.Balance().StringFixed(2)).Msg("balance manager initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 4: REDEMPTION & RECONCILIATION
	// ═══════════════════════════════════════════════════════════════════

	var redeemer redeem.Redeemer
	if !cfg.DryRun && cfg.PrivateKey != "" {
		r, err := redeem.NewCTFRedeemer(cfg.PrivateKey, false)
		if err != nil {
			log.Warn().Err(err).Msg("redeemer unavailable, winning positions will not auto-redeem")
		} else {
			redeemer = r
		}
	}

	recon := reconciler.New(st, bal, feed, redeemer, cfg.GammaAPIURL, httpTimeout)
	log.Info().Msg("reconciler initialized")

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 5: NOTIFICATIONS
	// ═══════════════════════════════════════════════════════════════════

	var notifier alert.Notifier = alert.NoopNotifier{}
	if cfg.TelegramToken != "" {
		if n, err := alert.NewTelegramNotifier(); err != nil {
			log.Warn().Err(err).Msg("telegram unavailable, continuing without alerts")
		} else {
			notifier = n
		}
	}

	// ═══════════════════════════════════════════════════════════════════
	// LAYER 6: SCANNER
	// ═══════════════════════════════════════════════════════════════════

	scan := scanner.New(feed, odds, bal, order, st, cfg.MinBet, cfg.MaxBet)
	log.Info().Msg("scanner initialized")

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY-RUN"
	}
	notifier.NotifyStartup(mode, bal.Balance())

	log.Info().Msgf("mode=%s balance=%s min_bet=%s max_bet=%s",
		mode, bal.Balance().StringFixed(2), cfg.MinBet.StringFixed(2), cfg.MaxBet.StringFixed(2))

	// ═══════════════════════════════════════════════════════════════════
	// RUN LOOPS
	// ═══════════════════════════════════════════════════════════════════

	stopCh := make(chan struct{})

	go runTicker(stopCh, time.Duration(cfg.ScanIntervalMs)*time.Millisecond, scan.Tick)
	go runTicker(stopCh, 5*time.Second, recon.Run)
	go runTicker(stopCh, 10*time.Second, func() {
		bal.GetVerifiedBalance()
	})
	go runTicker(stopCh, 30*time.Second, func() {
		lastThree, err := st.LastNResolved(3)
		if err != nil {
			log.Warn().Err(err).Msg("circuit breaker: failed to load recent resolved trades")
			return
		}
		scan.CheckCircuitBreaker(lastThree)
	})

	log.Info().Msg("running")

	// ═══════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("shutdown signal received")
	close(stopCh)
	odds.Stop()
	feed.Stop()

	log.Info().Msg("shutdown complete")
}

func runTicker(stopCh <-chan struct{}, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}
