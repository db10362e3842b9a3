package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bbelbuken/elontweetbot/internal/api"
	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// Binance talks to the Binance spot REST API (testnet by default). Signed
// endpoints carry an HMAC-SHA256 signature over the query string; every
// request first waits on the shared rate limiter.
type Binance struct {
	client     *api.Client
	apiKey     string
	apiSecret  string
	quoteAsset string
	limiter    *rate.Limiter
}

type BinanceOptions struct {
	BaseURL         string
	APIKey          string
	APISecret       string
	QuoteAsset      string
	RateLimitPerSec float64
	Timeout         time.Duration
}

func NewBinance(opts BinanceOptions) *Binance {
	return &Binance{
		client: api.NewClient(
			api.WithBaseURL(opts.BaseURL),
			api.WithTimeout(opts.Timeout),
			api.WithHeader("X-MBX-APIKEY", opts.APIKey),
		),
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		quoteAsset: opts.QuoteAsset,
		limiter:    rate.NewLimiter(rate.Limit(opts.RateLimitPerSec), 1),
	}
}

// sign appends timestamp and HMAC signature to the query parameters.
func (b *Binance) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

func (b *Binance) do(ctx context.Context, method, path string, params url.Values, signed bool) (*api.Response, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	query := params.Encode()
	if signed {
		query = b.sign(params)
	}
	if query != "" {
		path = path + "?" + query
	}
	return b.client.Do(ctx, method, path, nil, nil)
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// classify maps venue error responses onto the transient/permanent split. A
// duplicate client order id is neither: the original order stands, so the
// caller recovers it by lookup.
func classify(err error) (duplicate bool, out error) {
	var httpErr *api.HTTPError
	if !errors.As(err, &httpErr) {
		return false, err
	}
	if httpErr.StatusCode >= 500 || httpErr.StatusCode == 429 {
		return false, err
	}

	var be binanceError
	if jerr := json.Unmarshal([]byte(httpErr.Body), &be); jerr == nil {
		if be.Code == -2010 && strings.Contains(be.Msg, "Duplicate") {
			return true, nil
		}
		return false, fmt.Errorf("%w: code %d: %s", ErrVenueRejected, be.Code, be.Msg)
	}
	return false, fmt.Errorf("%w: %s", ErrVenueRejected, httpErr.Body)
}

type binanceOrderResponse struct {
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	TransactTime        int64  `json:"transactTime"`
	Fills               []struct {
		Price string `json:"price"`
		Qty   string `json:"qty"`
	} `json:"fills"`
}

func (r *binanceOrderResponse) fill(duplicate bool) (Fill, error) {
	qty, err := strconv.ParseFloat(r.ExecutedQty, 64)
	if err != nil {
		return Fill{}, fmt.Errorf("parse executedQty %q: %w", r.ExecutedQty, err)
	}

	var price float64
	if len(r.Fills) > 0 {
		var notional, filled float64
		for _, f := range r.Fills {
			p, _ := strconv.ParseFloat(f.Price, 64)
			q, _ := strconv.ParseFloat(f.Qty, 64)
			notional += p * q
			filled += q
		}
		if filled > 0 {
			price = notional / filled
		}
	}
	if price == 0 && qty > 0 {
		quote, _ := strconv.ParseFloat(r.CummulativeQuoteQty, 64)
		price = quote / qty
	}

	at := time.UnixMilli(r.TransactTime).UTC()
	if r.TransactTime == 0 {
		at = time.Now().UTC()
	}
	return Fill{
		OrderID:   strconv.FormatInt(r.OrderID, 10),
		Price:     price,
		Quantity:  qty,
		Duplicate: duplicate,
		At:        at,
	}, nil
}

// PlaceOrder submits a market order. A duplicate client order id is resolved
// by looking up the original order, so retries never double-execute.
func (b *Binance) PlaceOrder(ctx context.Context, o Order) (Fill, error) {
	side := "BUY"
	if o.Side == types.SideShort {
		side = "SELL"
	}
	params := url.Values{
		"symbol":           {o.Symbol},
		"side":             {side},
		"type":             {"MARKET"},
		"quantity":         {strconv.FormatFloat(o.Quantity, 'f', -1, 64)},
		"newClientOrderId": {o.ClientOrderID},
		"newOrderRespType": {"FULL"},
	}

	resp, err := b.do(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		duplicate, cerr := classify(err)
		if !duplicate {
			return Fill{}, cerr
		}
		logger.Info(ctx, "Duplicate client order id, recovering original fill",
			"client_order_id", o.ClientOrderID, "symbol", o.Symbol)
		return b.lookupOrder(ctx, o.Symbol, o.ClientOrderID)
	}

	var body binanceOrderResponse
	if err := resp.ParseJSON(&body); err != nil {
		return Fill{}, err
	}
	return body.fill(false)
}

func (b *Binance) lookupOrder(ctx context.Context, symbol, clientOrderID string) (Fill, error) {
	params := url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	}
	resp, err := b.do(ctx, http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return Fill{}, fmt.Errorf("lookup order %s: %w", clientOrderID, err)
	}
	var body binanceOrderResponse
	if err := resp.ParseJSON(&body); err != nil {
		return Fill{}, err
	}
	return body.fill(true)
}

// MarkPrice returns the current ticker price for a symbol.
func (b *Binance) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{"symbol": {symbol}}
	resp, err := b.do(ctx, http.MethodGet, "/api/v3/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var body struct {
		Price string `json:"price"`
	}
	if err := resp.ParseJSON(&body); err != nil {
		return 0, err
	}
	price, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", body.Price, err)
	}
	return price, nil
}

// Balance returns the free quote-asset balance.
func (b *Binance) Balance(ctx context.Context) (float64, error) {
	resp, err := b.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true)
	if err != nil {
		return 0, err
	}
	var body struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := resp.ParseJSON(&body); err != nil {
		return 0, err
	}
	for _, bal := range body.Balances {
		if bal.Asset == b.quoteAsset {
			free, err := strconv.ParseFloat(bal.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("parse balance %q: %w", bal.Free, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

// SymbolFilters returns the LOT_SIZE constraints for a symbol.
func (b *Binance) SymbolFilters(ctx context.Context, symbol string) (Filters, error) {
	params := url.Values{"symbol": {symbol}}
	resp, err := b.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return Filters{}, err
	}
	var body struct {
		Symbols []struct {
			Filters []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := resp.ParseJSON(&body); err != nil {
		return Filters{}, err
	}
	if len(body.Symbols) == 0 {
		return Filters{}, fmt.Errorf("symbol %s not found on venue", symbol)
	}
	for _, f := range body.Symbols[0].Filters {
		if f.FilterType == "LOT_SIZE" {
			step, _ := strconv.ParseFloat(f.StepSize, 64)
			minQty, _ := strconv.ParseFloat(f.MinQty, 64)
			return Filters{StepSize: step, MinQty: minQty}, nil
		}
	}
	return Filters{}, fmt.Errorf("symbol %s has no LOT_SIZE filter", symbol)
}
