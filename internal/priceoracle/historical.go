package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// HistoricalOracle is the klines-based fallback Feed.ExitPriceFor consults
// when the close-snapshot ring no longer holds a candle boundary, before it
// falls back to the current tick. It makes one request to Binance's public
// klines endpoint for the kline that starts at that boundary.
type HistoricalOracle struct {
	httpClient *http.Client
	baseURL    string
	symbol     string
}

// NewHistoricalOracle builds a fallback oracle against Binance spot klines.
func NewHistoricalOracle(timeout time.Duration) *HistoricalOracle {
	return &HistoricalOracle{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    "https://api.binance.com",
		symbol:     "BTCUSDT",
	}
}

type klineRow [12]any

// PriceAt returns the close price of the 5-minute kline starting at the given
// epoch boundary. Polymarket resolves against the oracle, not Binance, so
// this is an approximation used only when the live close snapshot has
// already been evicted — display and reconciliation fallback, never entry
// decisions.
func (h *HistoricalOracle) PriceAt(epochSec int64) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.httpClient.Timeout)
	defer cancel()

	startMs := epochSec * 1000

	url := fmt.Sprintf("%s/api/v3/klines?symbol=%s&interval=5m&startTime=%d&limit=1",
		h.baseURL, h.symbol, startMs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("historical oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("historical oracle status %d", resp.StatusCode)
	}

	var rows []klineRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return decimal.Zero, fmt.Errorf("decode klines: %w", err)
	}
	if len(rows) == 0 {
		return decimal.Zero, fmt.Errorf("no klines for boundary %d", epochSec)
	}

	closeStr, ok := rows[0][4].(string)
	if !ok {
		return decimal.Zero, fmt.Errorf("unexpected kline close field")
	}
	return decimal.NewFromString(closeStr)
}
