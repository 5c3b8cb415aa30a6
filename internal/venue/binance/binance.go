// Package binance provides the Binance USD-M futures venue adapter.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"funding_keeper/internal/core"
	apperrors "funding_keeper/pkg/errors"
	pkghttp "funding_keeper/pkg/http"
	"funding_keeper/pkg/websocket"

	"github.com/shopspring/decimal"
)

const (
	defaultFuturesURL = "https://fapi.binance.com"
	testnetFuturesURL = "https://testnet.binancefuture.com"
	defaultFuturesWS  = "wss://fstream.binance.com"
	testnetFuturesWS  = "wss://stream.binancefuture.com"

	requestTimeout = 15 * time.Second
	recvWindow     = "5000"

	// Most USD-M symbols settle funding every 8 hours.
	fundingIntervalsPerDay = 3
)

// Config carries adapter construction parameters.
type Config struct {
	Name       string
	Kind       core.VenueKind
	BaseURL    string
	APIKey     string
	APISecret  string
	Testnet    bool
	Convention core.FundingConvention
}

// signer adds the API key header and an HMAC-SHA256 signature over the
// query string, the way Binance authenticates USER_DATA endpoints.
type signer struct {
	apiKey    string
	apiSecret string
}

func (s *signer) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	if q.Get("recvWindow") == "" {
		q.Set("recvWindow", recvWindow)
	}

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	req.URL.RawQuery = q.Encode()
	return nil
}

// Venue implements core.IVenue against the USD-M futures REST and stream
// APIs. Public endpoints go through an unsigned client; Binance rejects
// unexpected auth parameters on some of them.
type Venue struct {
	cfg    Config
	public *pkghttp.Client
	signed *pkghttp.Client
	wsURL  string
	logger core.ILogger

	mu     sync.Mutex
	stream *websocket.Client
}

// New builds the adapter. Credentials are required; dry runs substitute a
// paper venue before this point.
func New(cfg Config, logger core.ILogger) (core.IVenue, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, apperrors.New(apperrors.KindAuth, "binance adapter requires api_key and api_secret")
	}
	if cfg.Kind == "" {
		cfg.Kind = core.VenuePerp
	}
	if cfg.Convention == "" {
		cfg.Convention = core.LongsPayWhenPositive
	}

	baseURL := cfg.BaseURL
	wsURL := defaultFuturesWS
	if cfg.Testnet {
		wsURL = testnetFuturesWS
	}
	if baseURL == "" {
		baseURL = defaultFuturesURL
		if cfg.Testnet {
			baseURL = testnetFuturesURL
		}
	}

	return &Venue{
		cfg:    cfg,
		public: pkghttp.NewClient(baseURL, requestTimeout, nil),
		signed: pkghttp.NewClient(baseURL, requestTimeout, &signer{apiKey: cfg.APIKey, apiSecret: cfg.APISecret}),
		wsURL:  wsURL,
		logger: logger.WithField("venue", cfg.Name),
	}, nil
}

func (v *Venue) GetName() string                           { return v.cfg.Name }
func (v *Venue) Kind() core.VenueKind                      { return v.cfg.Kind }
func (v *Venue) FundingConvention() core.FundingConvention { return v.cfg.Convention }

func (v *Venue) CheckHealth(ctx context.Context) error {
	_, err := v.public.Get(ctx, "/fapi/v1/ping", nil)
	return v.refine(err, "ping")
}

// premiumIndex is the shared payload of mark price and funding queries.
type premiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

func (v *Venue) premiumIndex(ctx context.Context, symbol string) (*premiumIndex, error) {
	body, err := v.public.Get(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, v.refine(err, "premium index")
	}
	var data premiumIndex
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataQuality, "premium index decode", err).WithSymbol(symbol)
	}
	return &data, nil
}

func (v *Venue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := v.premiumIndex(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(data.MarkPrice), nil
}

func (v *Venue) GetBestBidAsk(ctx context.Context, symbol string) (core.BookTop, error) {
	body, err := v.public.Get(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol})
	if err != nil {
		return core.BookTop{}, v.refine(err, "book ticker")
	}
	var data struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return core.BookTop{}, apperrors.Wrap(apperrors.KindDataQuality, "book ticker decode", err).WithSymbol(symbol)
	}
	return core.BookTop{Bid: dec(data.BidPrice), Ask: dec(data.AskPrice)}, nil
}

func (v *Venue) GetFundingRate(ctx context.Context, symbol string) (*core.FundingSnapshot, error) {
	data, err := v.premiumIndex(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return &core.FundingSnapshot{
		Venue:           v.cfg.Name,
		Symbol:          data.Symbol,
		Rate:            core.NewRate(dec(data.LastFundingRate)),
		IntervalsPerDay: fundingIntervalsPerDay,
		MarkPrice:       dec(data.MarkPrice),
		NextFundingTime: time.UnixMilli(data.NextFundingTime),
		Timestamp:       time.UnixMilli(data.Time),
	}, nil
}

// GetOpenInterest reports the symbol's open interest in USD, valued at the
// current mark.
func (v *Venue) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := v.public.Get(ctx, "/fapi/v1/openInterest", map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, v.refine(err, "open interest")
	}
	var data struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return decimal.Zero, apperrors.Wrap(apperrors.KindDataQuality, "open interest decode", err).WithSymbol(symbol)
	}

	mark, err := v.GetMarkPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(data.OpenInterest).Mul(mark), nil
}

// wireOrder is the order payload shape shared by the place, query and open
// order endpoints.
type wireOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (v *Venue) mapOrder(w *wireOrder) *core.Order {
	created := w.Time
	if created == 0 {
		created = w.UpdateTime
	}
	return &core.Order{
		OrderID:       strconv.FormatInt(w.OrderID, 10),
		ClientOrderID: w.ClientOrderID,
		Venue:         v.cfg.Name,
		Symbol:        w.Symbol,
		Side:          core.Side(w.Side),
		Type:          core.OrderType(w.Type),
		Price:         dec(w.Price),
		Size:          dec(w.OrigQty),
		ExecutedSize:  dec(w.ExecutedQty),
		AvgFillPrice:  dec(w.AvgPrice),
		Status:        core.OrderStatus(w.Status),
		ReduceOnly:    w.ReduceOnly,
		CreatedAt:     time.UnixMilli(created),
		UpdatedAt:     time.UnixMilli(w.UpdateTime),
	}
}

func (v *Venue) PlaceOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	params := map[string]string{
		"symbol":           req.Symbol,
		"side":             string(req.Side),
		"type":             string(req.Type),
		"quantity":         req.Size.String(),
		"newOrderRespType": "RESULT",
	}
	if req.Type == core.OrderTypeLimit {
		params["price"] = req.Price.String()
		tif := req.TimeInForce
		if tif == "" {
			tif = core.TIFGoodTillCancel
		}
		params["timeInForce"] = string(tif)
	}
	if req.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		params["newClientOrderId"] = req.ClientOrderID
	}

	body, err := v.signed.Post(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, v.refine(err, "place order")
	}
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataQuality, "order ack decode", err).WithSymbol(req.Symbol)
	}
	return v.mapOrder(&w), nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := v.signed.Delete(ctx, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	return v.refine(err, "cancel order")
}

func (v *Venue) CancelAll(ctx context.Context, symbol string) error {
	_, err := v.signed.Delete(ctx, "/fapi/v1/allOpenOrders", map[string]string{"symbol": symbol})
	return v.refine(err, "cancel all")
}

func (v *Venue) GetOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*core.Order, error) {
	params := map[string]string{"symbol": symbol}
	switch {
	case orderID != "":
		params["orderId"] = orderID
	case clientOrderID != "":
		params["origClientOrderId"] = clientOrderID
	default:
		return nil, apperrors.New(apperrors.KindInvalidRequest, "order lookup needs an order id or client order id")
	}

	body, err := v.signed.Get(ctx, "/fapi/v1/order", params)
	if err != nil {
		return nil, v.refine(err, "get order")
	}
	var w wireOrder
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataQuality, "order decode", err).WithSymbol(symbol)
	}
	return v.mapOrder(&w), nil
}

func (v *Venue) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	body, err := v.signed.Get(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, v.refine(err, "open orders")
	}
	var ws []wireOrder
	if err := json.Unmarshal(body, &ws); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataQuality, "open orders decode", err).WithSymbol(symbol)
	}
	orders := make([]*core.Order, 0, len(ws))
	for i := range ws {
		orders = append(orders, v.mapOrder(&ws[i]))
	}
	return orders, nil
}

func (v *Venue) GetPositions(ctx context.Context) ([]*core.Position, error) {
	body, err := v.signed.Get(ctx, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, v.refine(err, "position risk")
	}
	var data []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		UpdateTime  int64  `json:"updateTime"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataQuality, "position risk decode", err)
	}

	positions := make([]*core.Position, 0)
	for _, item := range data {
		amt := dec(item.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := core.SideBuy
		if amt.Sign() < 0 {
			side = core.SideSell
		}
		positions = append(positions, &core.Position{
			ID:         fmt.Sprintf("%s-%s", v.cfg.Name, item.Symbol),
			Venue:      v.cfg.Name,
			Symbol:     item.Symbol,
			Side:       side,
			Size:       amt.Abs(),
			EntryPrice: dec(item.EntryPrice),
			OpenedAt:   time.UnixMilli(item.UpdateTime),
			Status:     core.PositionOpen,
		})
	}
	return positions, nil
}

// account is the slice of /fapi/v2/account the adapter needs.
type account struct {
	AvailableBalance   string `json:"availableBalance"`
	TotalMarginBalance string `json:"totalMarginBalance"`
}

func (v *Venue) account(ctx context.Context) (*account, error) {
	body, err := v.signed.Get(ctx, "/fapi/v2/account", nil)
	if err != nil {
		return nil, v.refine(err, "account")
	}
	var data account
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataQuality, "account decode", err)
	}
	return &data, nil
}

func (v *Venue) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	acct, err := v.account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(acct.AvailableBalance), nil
}

func (v *Venue) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	acct, err := v.account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return dec(acct.TotalMarginBalance), nil
}

func (v *Venue) GetFundingPayments(ctx context.Context, from, to time.Time) ([]*core.Payment, error) {
	body, err := v.signed.Get(ctx, "/fapi/v1/income", map[string]string{
		"incomeType": "FUNDING_FEE",
		"startTime":  strconv.FormatInt(from.UnixMilli(), 10),
		"endTime":    strconv.FormatInt(to.UnixMilli(), 10),
		"limit":      "1000",
	})
	if err != nil {
		return nil, v.refine(err, "funding income")
	}
	var data []struct {
		Symbol string `json:"symbol"`
		Income string `json:"income"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, apperrors.Wrap(apperrors.KindDataQuality, "funding income decode", err)
	}

	payments := make([]*core.Payment, 0, len(data))
	for _, item := range data {
		payments = append(payments, &core.Payment{
			Venue:     v.cfg.Name,
			Symbol:    item.Symbol,
			AmountUSD: dec(item.Income),
			Timestamp: time.UnixMilli(item.Time),
		})
	}
	return payments, nil
}

// StartFundingStream subscribes to the combined markPrice stream, which
// carries the live funding rate alongside the mark. The websocket client
// owns reconnection; the URL itself is the subscription, so a re-dial
// resubscribes.
func (v *Venue) StartFundingStream(ctx context.Context, symbols []string, cb func(*core.FundingSnapshot)) error {
	if len(symbols) == 0 {
		return apperrors.New(apperrors.KindInvalidRequest, "funding stream needs at least one symbol")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stream != nil {
		return apperrors.New(apperrors.KindInvalidRequest, "funding stream already running")
	}

	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice")
	}
	url := fmt.Sprintf("%s/stream?streams=%s", v.wsURL, strings.Join(streams, "/"))

	client := websocket.NewClient(url, func(message []byte) {
		v.handleStreamMessage(message, cb)
	}, v.logger)
	client.Start()
	v.stream = client
	return nil
}

func (v *Venue) handleStreamMessage(message []byte, cb func(*core.FundingSnapshot)) {
	var envelope struct {
		Data struct {
			EventType       string `json:"e"`
			EventTime       int64  `json:"E"`
			Symbol          string `json:"s"`
			MarkPrice       string `json:"p"`
			FundingRate     string `json:"r"`
			NextFundingTime int64  `json:"T"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		v.logger.Error("funding stream decode failed", "error", err)
		return
	}
	if envelope.Data.EventType != "markPriceUpdate" {
		return
	}

	cb(&core.FundingSnapshot{
		Venue:           v.cfg.Name,
		Symbol:          envelope.Data.Symbol,
		Rate:            core.NewRate(dec(envelope.Data.FundingRate)),
		IntervalsPerDay: fundingIntervalsPerDay,
		MarkPrice:       dec(envelope.Data.MarkPrice),
		NextFundingTime: time.UnixMilli(envelope.Data.NextFundingTime),
		Timestamp:       time.UnixMilli(envelope.Data.EventTime),
	})
}

func (v *Venue) StopFundingStream() error {
	v.mu.Lock()
	stream := v.stream
	v.stream = nil
	v.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	return nil
}

// refine sharpens the transport error with the exchange's own error code
// when the response body carries one.
func (v *Venue) refine(err error, op string) error {
	if err == nil {
		return nil
	}

	var apiErr *pkghttp.APIError
	if errors.As(err, &apiErr) {
		var payload struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if jsonErr := json.Unmarshal(apiErr.Body, &payload); jsonErr == nil && payload.Code != 0 {
			if kind, ok := codeKind(payload.Code); ok {
				return apperrors.Wrap(kind, fmt.Sprintf("%s: binance %d: %s", op, payload.Code, payload.Msg), err).
					WithVenue(v.cfg.Name)
			}
		}
	}

	return apperrors.Wrap(apperrors.KindOf(err), op, err).WithVenue(v.cfg.Name)
}

// codeKind maps exchange error codes onto the taxonomy where the HTTP
// status alone is too coarse.
func codeKind(code int) (apperrors.Kind, bool) {
	switch code {
	case -1003, -1015: // too many requests / too many orders
		return apperrors.KindRateLimited, true
	case -1021: // timestamp outside recvWindow, clock drift or slow path
		return apperrors.KindNetwork, true
	case -1022, -2014, -2015: // bad signature / bad key format / rejected key
		return apperrors.KindAuth, true
	case -2010, -2019: // balance / margin insufficient
		return apperrors.KindInsufficientBalance, true
	case -2011, -2013: // unknown order
		return apperrors.KindNotFound, true
	case -1121: // invalid symbol
		return apperrors.KindInvalidRequest, true
	case -2012: // duplicate client order id
		return apperrors.KindInvalidRequest, true
	}
	return apperrors.KindUnknown, false
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}
