// Package orderclient signs and submits EIP-712 typed orders against the
// CLOB with HMAC L2 auth, escalating limit price on fill-or-kill rejection.
package orderclient

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	ctfExchange = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	chainID     = 137
	feeRateBps  = 1000

	sideBuyInt  = 0
	sideSellInt = 1

	// Order sides as the CLOB expects them on the wire.
	SideBuy  = "BUY"
	SideSell = "SELL"

	tickSize        = 0.01
	priceFloor      = 0.01
	priceCeiling    = 0.99
	minTokens       = 5
	fokRetryLimit   = 3
	fokRetryDelay   = 50 * time.Millisecond
	fokAbortAtLimit = 0.60
)

// PlaceResult is what a successful or failed placement reports back.
type PlaceResult struct {
	Success      bool
	OrderID      string
	Status       string
	ActualAmount decimal.Decimal
	ActualSize   decimal.Decimal
	Err          error
}

// Client is the OrderClient component.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dryRun     bool

	privateKey *ecdsa.PrivateKey
	signer     common.Address
	maker      common.Address
	sigType    int

	apiKey     string
	apiSecret  []byte
	passphrase string

	domainSeparator [32]byte
	orderTypeHash   []byte

	makerWord  []byte
	signerWord []byte
	sigTypeWord []byte
	takerWord   []byte // always the zero address
	expirationWord []byte
	nonceWord      []byte
	feeRateWord    []byte
	sideBuyWord    []byte
	sideSellWord   []byte

	tokenWordCacheMu sync.Mutex
	tokenWordCache   map[string][]byte // at most two token ids, keyed by tokenID; a third evicts an arbitrary entry, not necessarily the oldest

	initOnce sync.Once
}

// Config bundles the OrderClient's credentials and signer material.
type Config struct {
	DryRun        bool
	BaseURL       string
	HTTPTimeout   time.Duration
	PrivateKeyHex string
	APIKey        string
	APISecret     string
	Passphrase    string
	Funder        string
}

// New builds an OrderClient, performing the one-time EIP-712 word caching
// and domain-separator precomputation described for OrderClient init.
func New(cfg Config) (*Client, error) {
	c := &Client{
		baseURL:        cfg.BaseURL,
		httpClient:     &http.Client{Timeout: cfg.HTTPTimeout},
		dryRun:         cfg.DryRun,
		apiKey:         cfg.APIKey,
		passphrase:     cfg.Passphrase,
		tokenWordCache: make(map[string][]byte, 2),
	}

	if cfg.DryRun {
		return c, nil
	}

	pkHex := strings.TrimPrefix(cfg.PrivateKeyHex, "0x")
	pk, err := crypto.HexToECDSA(pkHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	c.privateKey = pk
	c.signer = crypto.PubkeyToAddress(pk.PublicKey)

	c.maker = c.signer
	c.sigType = 0
	if cfg.Funder != "" {
		c.maker = common.HexToAddress(cfg.Funder)
		c.sigType = 1
	}

	secret, err := decodeAPISecret(cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decode api secret: %w", err)
	}
	c.apiSecret = secret

	c.domainSeparator = buildDomainSeparator(ctfExchange, chainID)
	c.orderTypeHash = crypto.Keccak256([]byte(
		"Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)",
	))

	c.makerWord = common.LeftPadBytes(c.maker.Bytes(), 32)
	c.signerWord = common.LeftPadBytes(c.signer.Bytes(), 32)
	c.sigTypeWord = common.LeftPadBytes([]byte{byte(c.sigType)}, 32)
	c.takerWord = make([]byte, 32) // public order, taker = 0
	c.expirationWord = make([]byte, 32)
	c.nonceWord = make([]byte, 32)
	c.feeRateWord = common.LeftPadBytes(big.NewInt(feeRateBps).Bytes(), 32)
	c.sideBuyWord = common.LeftPadBytes([]byte{sideBuyInt}, 32)
	c.sideSellWord = common.LeftPadBytes([]byte{sideSellInt}, 32)

	go c.warmConnectionPool()

	return c, nil
}

func decodeAPISecret(s string) ([]byte, error) {
	if key, err := base64.URLEncoding.DecodeString(s); err == nil {
		return key, nil
	}
	padded := s
	if len(padded)%4 != 0 {
		padded += strings.Repeat("=", 4-len(padded)%4)
	}
	if key, err := base64.URLEncoding.DecodeString(padded); err == nil {
		return key, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

func (c *Client) warmConnectionPool() {
	time.Sleep(200 * time.Millisecond)
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("order client: connection pool warmup failed")
		return
	}
	resp.Body.Close()
}

func (c *Client) tokenWord(tokenID string) []byte {
	c.tokenWordCacheMu.Lock()
	defer c.tokenWordCacheMu.Unlock()

	if w, ok := c.tokenWordCache[tokenID]; ok {
		return w
	}

	n := new(big.Int)
	n.SetString(tokenID, 10)
	w := common.LeftPadBytes(n.Bytes(), 32)

	if len(c.tokenWordCache) >= 2 {
		for k := range c.tokenWordCache {
			delete(c.tokenWordCache, k)
			break
		}
	}
	c.tokenWordCache[tokenID] = w
	return w
}

// PlaceOrder places one fill-or-kill attempt at the given escalation level.
// Side is SideBuy or SideSell; amount is a USDC notional on either side,
// and the order size is amount/limit tokens (at least 5).
func (c *Client) PlaceOrder(tokenID string, amount, price decimal.Decimal, side string, retryCount int) PlaceResult {
	slippageTicks := decimal.NewFromInt(int64(1 + retryCount*2))
	tick := decimal.NewFromFloat(tickSize)

	var limit decimal.Decimal
	if side == SideBuy {
		limit = price.Add(slippageTicks.Mul(tick))
	} else {
		limit = price.Sub(slippageTicks.Mul(tick))
	}
	limit = clampDecimal(limit, decimal.NewFromFloat(priceFloor), decimal.NewFromFloat(priceCeiling))
	limit = roundToCentTick(limit)

	size := amount.Div(limit).Mul(decimal.NewFromInt(100)).Floor().Div(decimal.NewFromInt(100))
	if size.LessThan(decimal.NewFromInt(minTokens)) {
		size = decimal.NewFromInt(minTokens)
	}

	usdcScale := decimal.NewFromInt(1_000_000)
	makerAmountRaw := size.Mul(limit).Mul(usdcScale).Round(0)
	makerAmountRaw = floorToMultiple(makerAmountRaw, 10_000)
	takerAmountRaw := size.Mul(usdcScale).Round(0)
	takerAmountRaw = floorToMultiple(takerAmountRaw, 100)

	if makerAmountRaw.LessThanOrEqual(decimal.Zero) || takerAmountRaw.LessThanOrEqual(decimal.Zero) {
		return PlaceResult{Err: fmt.Errorf("computed order amounts are non-positive")}
	}

	if c.dryRun {
		return c.placeDryRun(tokenID, limit, size)
	}

	salt := fmt.Sprintf("%d", time.Now().UnixMilli())

	orderHash := c.buildOrderStructHash(salt, tokenID, makerAmountRaw.String(), takerAmountRaw.String(), side)
	signature, err := c.signDigest(orderHash)
	if err != nil {
		return PlaceResult{Err: fmt.Errorf("sign order: %w", err)}
	}

	body := orderBody{
		Order: wireOrder{
			Salt:          salt,
			Maker:         c.maker.Hex(),
			Signer:        c.signer.Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       tokenID,
			MakerAmount:   makerAmountRaw.String(),
			TakerAmount:   takerAmountRaw.String(),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    fmt.Sprintf("%d", feeRateBps),
			Side:          side,
			SignatureType: c.sigType,
			Signature:     signature,
		},
		Owner:     c.apiKey,
		OrderType: "FOK",
		PostOnly:  false,
	}

	respBody, status, err := c.post("/order", body)
	if err != nil {
		return PlaceResult{Err: err}
	}

	var result struct {
		Success bool   `json:"success"`
		OrderID string `json:"orderID"`
		Status  string `json:"status"`
	}
	if status < 200 || status >= 300 {
		return PlaceResult{Err: fmt.Errorf("order rejected (%d): %s", status, string(respBody))}
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return PlaceResult{Err: fmt.Errorf("parse order response: %w", err)}
	}

	return PlaceResult{
		Success:      result.Success,
		OrderID:      result.OrderID,
		Status:       result.Status,
		ActualAmount: size.Mul(limit),
		ActualSize:   size,
	}
}

func (c *Client) placeDryRun(tokenID string, limit, size decimal.Decimal) PlaceResult {
	orderID := fmt.Sprintf("DRY_%d", time.Now().UnixNano())
	log.Info().
		Str("order_id", orderID).
		Str("token", truncateToken(tokenID)).
		Str("limit", limit.StringFixed(2)).
		Str("size", size.StringFixed(2)).
		Msg("dry run: order would be placed")
	return PlaceResult{
		Success:      true,
		OrderID:      orderID,
		Status:       "MATCHED",
		ActualAmount: size.Mul(limit),
		ActualSize:   size,
	}
}

// PlaceWithRetry drives the Scanner-side FOK retry loop: escalate
// retryCount, sleep, retry up to fokRetryLimit times; abort if the next
// limit would exceed the price ceiling.
func (c *Client) PlaceWithRetry(tokenID string, amount, price decimal.Decimal, side string) PlaceResult {
	var last PlaceResult
	for attempt := 0; attempt <= fokRetryLimit; attempt++ {
		slippageTicks := decimal.NewFromInt(int64(1 + attempt*2))
		tick := decimal.NewFromFloat(tickSize)
		var wouldBeLimit decimal.Decimal
		if side == SideBuy {
			wouldBeLimit = price.Add(slippageTicks.Mul(tick))
		} else {
			wouldBeLimit = price.Sub(slippageTicks.Mul(tick))
		}
		if wouldBeLimit.GreaterThan(decimal.NewFromFloat(fokAbortAtLimit)) {
			last.Err = fmt.Errorf("escalated limit %s exceeds abort ceiling %.2f", wouldBeLimit.StringFixed(2), fokAbortAtLimit)
			return last
		}

		last = c.PlaceOrder(tokenID, amount, price, side, attempt)
		if last.Success && last.Status == "MATCHED" {
			return last
		}
		if attempt < fokRetryLimit {
			time.Sleep(fokRetryDelay)
		}
	}
	return last
}

// GetBalance fetches the COLLATERAL balance-allowance for the configured
// signer, interpreting the raw figure as micro-USDC when it looks like one.
func (c *Client) GetBalance() (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.Zero, fmt.Errorf("GetBalance unavailable in dry-run mode")
	}

	path := fmt.Sprintf("/balance-allowance?asset_type=COLLATERAL&signature_type=%d", c.sigType)
	body, status, err := c.get(path)
	if err != nil {
		return decimal.Zero, err
	}
	if status < 200 || status >= 300 {
		return decimal.Zero, fmt.Errorf("balance lookup failed (%d): %s", status, string(body))
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return decimal.Zero, err
	}
	if result.Balance == "" {
		return decimal.Zero, nil
	}

	raw, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, err
	}
	if raw.GreaterThan(decimal.NewFromInt(1_000_000)) {
		return raw.Div(decimal.NewFromInt(1_000_000)), nil
	}
	return raw, nil
}

type wireOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderBody struct {
	Order     wireOrder `json:"order"`
	Owner     string    `json:"owner"`
	OrderType string    `json:"orderType"`
	PostOnly  bool      `json:"postOnly"`
}

func buildDomainSeparator(contractAddr string, chain int) [32]byte {
	domainTypeHash := crypto.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	nameHash := crypto.Keccak256([]byte("Polymarket CTF Exchange"))
	versionHash := crypto.Keccak256([]byte("1"))
	chainIDBytes := common.LeftPadBytes(big.NewInt(int64(chain)).Bytes(), 32)
	contractPadded := common.LeftPadBytes(common.HexToAddress(contractAddr).Bytes(), 32)

	var data []byte
	data = append(data, domainTypeHash...)
	data = append(data, nameHash...)
	data = append(data, versionHash...)
	data = append(data, chainIDBytes...)
	data = append(data, contractPadded...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

// buildOrderStructHash assembles the Order struct hash from cached,
// pre-padded 32-byte words wherever the value never changes between calls.
func (c *Client) buildOrderStructHash(salt, tokenID, makerAmount, takerAmount, side string) [32]byte {
	saltWord := padUint256(salt)
	tokenWord := c.tokenWord(tokenID)
	makerAmountWord := padUint256(makerAmount)
	takerAmountWord := padUint256(takerAmount)

	sideWord := c.sideBuyWord
	if side == SideSell {
		sideWord = c.sideSellWord
	}

	var data []byte
	data = append(data, c.orderTypeHash...)
	data = append(data, saltWord...)
	data = append(data, c.makerWord...)
	data = append(data, c.signerWord...)
	data = append(data, c.takerWord...)
	data = append(data, tokenWord...)
	data = append(data, makerAmountWord...)
	data = append(data, takerAmountWord...)
	data = append(data, c.expirationWord...)
	data = append(data, c.nonceWord...)
	data = append(data, c.feeRateWord...)
	data = append(data, sideWord...)
	data = append(data, c.sigTypeWord...)

	var result [32]byte
	copy(result[:], crypto.Keccak256(data))
	return result
}

func (c *Client) signDigest(orderHash [32]byte) (string, error) {
	var data []byte
	data = append(data, []byte("\x19\x01")...)
	data = append(data, c.domainSeparator[:]...)
	data = append(data, orderHash[:]...)

	digest := crypto.Keccak256(data)
	sig, err := crypto.Sign(digest, c.privateKey)
	if err != nil {
		return "", err
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return hexutil.Encode(sig), nil
}

func padUint256(s string) []byte {
	n := new(big.Int)
	n.SetString(s, 10)
	return common.LeftPadBytes(n.Bytes(), 32)
}

func roundToCentTick(v decimal.Decimal) decimal.Decimal {
	return v.Mul(decimal.NewFromInt(100)).Round(0).Div(decimal.NewFromInt(100))
}

func floorToMultiple(v decimal.Decimal, multiple int64) decimal.Decimal {
	m := decimal.NewFromInt(multiple)
	return v.Div(m).Floor().Mul(m)
}

func clampDecimal(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

func truncateToken(tokenID string) string {
	if len(tokenID) > 16 {
		return tokenID[:16] + "..."
	}
	return tokenID
}

func (c *Client) get(path string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	c.signL2(req, nil)
	return c.doRequest(req)
}

func (c *Client) post(path string, payload interface{}) ([]byte, int, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, err
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.signL2(req, jsonBody)
	return c.doRequest(req)
}

// signL2 attaches the HMAC-authenticated L2 headers the CLOB requires on
// every non-public request.
func (c *Client) signL2(req *http.Request, body []byte) {
	timestamp := fmt.Sprintf("%d", time.Now().Unix())

	message := timestamp + req.Method + req.URL.Path
	if len(body) > 0 {
		message += string(body)
	}

	h := hmac.New(sha256.New, c.apiSecret)
	h.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	req.Header.Set("POLY_ADDRESS", c.signer.Hex())
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	req.Header.Set("POLY_SIGNATURE", signature)
}

func (c *Client) doRequest(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
