// Package oddsfeed prefetches the active 5-minute market's catalog entry and
// order-book best-asks on a fixed interval, publishing a volatile snapshot
// Scanner reads without ever blocking on network I/O.
package oddsfeed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

const (
	minAskSize = 5
	askFloor   = 0.01
	askCeiling = 0.99
)

// Feed is the OddsFeed component.
type Feed struct {
	gammaURL string
	clobURL  string
	interval time.Duration
	client   *http.Client

	mu       sync.RWMutex
	snapshot *model.MarketOdds
	slug     string

	running atomic.Bool
	stopCh  chan struct{}
}

// New builds an OddsFeed against the given Gamma catalog and CLOB base URLs.
func New(gammaURL, clobURL string, interval time.Duration, timeout time.Duration) *Feed {
	return &Feed{
		gammaURL: gammaURL,
		clobURL:  clobURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the prefetch loop. Non-blocking.
func (f *Feed) Start() {
	if !f.running.CompareAndSwap(false, true) {
		return
	}
	go f.loop()
}

// Stop terminates the prefetch loop.
func (f *Feed) Stop() {
	if !f.running.CompareAndSwap(true, false) {
		return
	}
	close(f.stopCh)
}

func (f *Feed) loop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.prefetch()
		}
	}
}

// SlugFor derives the active window's catalog slug from the candle boundary.
func SlugFor(boundaryEpoch int64) string {
	return fmt.Sprintf("btc-updown-5m-%d", boundaryEpoch)
}

func (f *Feed) prefetch() {
	// Derive the active window's slug from the clock; SetBoundary clears the
	// cached snapshot whenever the slug changes.
	f.SetBoundary((time.Now().Unix() / 300) * 300)

	f.mu.RLock()
	slug := f.slug
	f.mu.RUnlock()
	if slug == "" {
		return
	}

	start := time.Now()

	conditionID, upToken, downToken, err := f.fetchEvent(slug)
	if err != nil {
		log.Debug().Err(err).Str("slug", slug).Msg("odds feed: catalog fetch failed, keeping stale snapshot")
		return
	}

	upAsk, upDepthOK, err := f.fetchBestAsk(upToken)
	if err != nil || !upDepthOK {
		log.Debug().Err(err).Msg("odds feed: up book fetch failed, keeping stale snapshot")
		return
	}
	downAsk, downDepthOK, err := f.fetchBestAsk(downToken)
	if err != nil || !downDepthOK {
		log.Debug().Err(err).Msg("odds feed: down book fetch failed, keeping stale snapshot")
		return
	}

	if !inRange(upAsk) || !inRange(downAsk) {
		log.Debug().Str("up", upAsk.String()).Str("down", downAsk.String()).Msg("odds feed: ask out of range, keeping stale snapshot")
		return
	}

	odds := &model.MarketOdds{
		UpPrice:         upAsk,
		DownPrice:       downAsk,
		ConditionID:     conditionID,
		UpTokenID:       upToken,
		DownTokenID:     downToken,
		FetchDurationMs: time.Since(start).Milliseconds(),
		Slug:            slug,
	}

	f.mu.Lock()
	f.snapshot = odds
	f.mu.Unlock()
}

func inRange(v decimal.Decimal) bool {
	floor := decimal.NewFromFloat(askFloor)
	ceil := decimal.NewFromFloat(askCeiling)
	return v.GreaterThan(floor) && v.LessThan(ceil)
}

// SetBoundary recomputes the active slug; on change, the cache is cleared
// per the rollover invariant (no stale-snapshot reads across a slug change).
func (f *Feed) SetBoundary(boundaryEpoch int64) {
	newSlug := SlugFor(boundaryEpoch)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.slug == newSlug {
		return
	}
	f.slug = newSlug
	f.snapshot = nil
}

// GetOdds returns the current snapshot, or nil before first success. Never blocks.
func (f *Feed) GetOdds() *model.MarketOdds {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.snapshot
}

type gammaEvent struct {
	Markets []gammaMarket `json:"markets"`
}

type gammaMarket struct {
	ConditionID string `json:"conditionId"`
	ClobTokenIDs string `json:"clobTokenIds"` // JSON-encoded array of 2 token ids
}

func (f *Feed) fetchEvent(slug string) (conditionID, upToken, downToken string, err error) {
	url := fmt.Sprintf("%s/events/slug/%s", f.gammaURL, slug)

	resp, err := f.client.Get(url)
	if err != nil {
		return "", "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("catalog status %d", resp.StatusCode)
	}

	var ev gammaEvent
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return "", "", "", fmt.Errorf("decode catalog: %w", err)
	}
	if len(ev.Markets) == 0 {
		return "", "", "", fmt.Errorf("no markets for slug %s", slug)
	}

	m := ev.Markets[0]
	var tokenIDs []string
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil || len(tokenIDs) < 2 {
		return "", "", "", fmt.Errorf("malformed clobTokenIds for slug %s", slug)
	}

	return m.ConditionID, tokenIDs[0], tokenIDs[1], nil
}

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Bids []bookLevel `json:"bids"`
	Asks []bookLevel `json:"asks"`
}

// fetchBestAsk returns the numerically lowest-price ask level carrying at
// least minAskSize resting size, rejecting the book when no level qualifies.
func (f *Feed) fetchBestAsk(tokenID string) (decimal.Decimal, bool, error) {
	url := fmt.Sprintf("%s/book?token_id=%s", f.clobURL, tokenID)

	resp, err := f.client.Get(url)
	if err != nil {
		return decimal.Zero, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, false, fmt.Errorf("book status %d", resp.StatusCode)
	}

	var book bookResponse
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return decimal.Zero, false, fmt.Errorf("decode book: %w", err)
	}

	minSize := decimal.NewFromInt(minAskSize)
	var best decimal.Decimal
	found := false

	for _, lvl := range book.Asks {
		price, err := decimal.NewFromString(lvl.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(lvl.Size)
		if err != nil {
			continue
		}
		if size.LessThan(minSize) {
			continue
		}
		if !found || price.LessThan(best) {
			best = price
			found = true
		}
	}

	if !found {
		return decimal.Zero, false, nil
	}
	return best, true, nil
}
