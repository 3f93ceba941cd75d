package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"strategy-engine/pkg/exchanges/common"
)

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64   // ms
	RatePerSec float64 // client-side throttle for signed calls
	BaseURL    string  // overrides the production/testnet host (tests)
}

// Client is a Binance spot trading client implementing common.Gateway.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

var _ common.Gateway = (*Client)(nil)

func New(cfg Config) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	perSec := cfg.RatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		now:        time.Now,
	}
}

func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderAck, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderAck{}, err
	}

	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", req.Qty.String())
	params.Set("newOrderRespType", "FULL")
	if ordType == common.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(tif))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.OrderAck{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderAck{}, fmt.Errorf("decode order response: %w", err)
	}

	ack := common.OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        resp.ClientOrderID,
		Status:          mapStatus(resp.Status),
		ExecutedQty:     parseDecimal(resp.ExecutedQty),
		AvgPrice:        avgPrice(resp.CummulativeQuoteQty, resp.ExecutedQty),
		TransactTime:    time.UnixMilli(resp.TransactTime),
	}
	for _, f := range resp.Fills {
		ack.Fee = ack.Fee.Add(parseDecimal(f.Commission))
	}
	return ack, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, ref common.OrderRef) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	setRef(params, ref)

	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

func (c *Client) FetchOrderStatus(ctx context.Context, symbol string, ref common.OrderRef) (common.OrderStatusReport, error) {
	if err := c.requireKeys(); err != nil {
		return common.OrderStatusReport{}, err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	setRef(params, ref)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return common.OrderStatusReport{}, err
	}
	var ord queryOrderResponse
	if err := json.Unmarshal(body, &ord); err != nil {
		return common.OrderStatusReport{}, fmt.Errorf("decode order: %w", err)
	}
	return common.OrderStatusReport{
		ExchangeOrderID: strconv.FormatInt(ord.OrderID, 10),
		ClientID:        ord.ClientOrderID,
		Symbol:          ord.Symbol,
		Side:            common.Side(ord.Side),
		Status:          mapStatus(ord.Status),
		OrigQty:         parseDecimal(ord.OrigQty),
		ExecutedQty:     parseDecimal(ord.ExecutedQty),
		AvgPrice:        avgPrice(ord.CummulativeQuoteQty, ord.ExecutedQty),
		UpdateTime:      time.UnixMilli(ord.UpdateTime),
	}, nil
}

// FetchOpenPosition reports the base-asset balance for a spot symbol.
func (c *Client) FetchOpenPosition(ctx context.Context, symbol string) (common.PositionReport, error) {
	if err := c.requireKeys(); err != nil {
		return common.PositionReport{}, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return common.PositionReport{}, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.PositionReport{}, fmt.Errorf("decode account info: %w", err)
	}

	base := BaseAsset(symbol)
	report := common.PositionReport{Symbol: symbol}
	for _, b := range info.Balances {
		if b.Asset == base {
			report.Size = parseDecimal(b.Free).Add(parseDecimal(b.Locked))
			break
		}
	}
	return report, nil
}

var quoteAssets = []string{"USDT", "FDUSD", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB"}

// BaseAsset strips the quote asset from a spot symbol (BTCUSDT -> BTC).
func BaseAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return strings.TrimSuffix(s, q)
		}
	}
	return s
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.Classify(common.ErrRejected, errors.New("binance: API key/secret required"))
	}
	return nil
}

// doSigned signs the query and performs the HTTP request, mapping failures
// onto the gateway error classes.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, common.Classify(common.ErrRateLimited, err)
	}

	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	query := params.Encode()
	encoded := query + "&signature=" + sign(query, c.cfg.APISecret)

	var (
		req      *http.Request
		err      error
		endpoint = c.baseURL + path
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, common.Classify(common.ErrNetwork, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, common.Classify(common.ErrNetwork, err)
	}
	if res.StatusCode >= 300 {
		return nil, mapError(method, path, res.StatusCode, body)
	}
	return body, nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func mapError(method, path string, status int, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	cause := fmt.Errorf("binance %s %s status %d: code %d %s", method, path, status, apiErr.Code, apiErr.Msg)

	msg := strings.ToLower(apiErr.Msg)
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || apiErr.Code == -1003:
		return common.Classify(common.ErrRateLimited, cause)
	case status >= 500:
		return common.Classify(common.ErrNetwork, cause)
	case apiErr.Code == -2013 || strings.Contains(msg, "order does not exist"):
		return common.Classify(common.ErrOrderNotFound, cause)
	case apiErr.Code == -2010 && strings.Contains(msg, "insufficient"):
		return common.Classify(common.ErrInsufficientFunds, cause)
	default:
		return common.Classify(common.ErrRejected, cause)
	}
}

func setRef(params url.Values, ref common.OrderRef) {
	if ref.ExchangeOrderID != "" {
		params.Set("orderId", ref.ExchangeOrderID)
		return
	}
	if ref.ClientID != "" {
		params.Set("origClientOrderId", ref.ClientID)
	}
}

type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Fills               []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

type queryOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Side                string `json:"side"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	UpdateTime          int64  `json:"updateTime"`
}

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PENDING_NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func avgPrice(quoteQty, executedQty string) decimal.Decimal {
	exec := parseDecimal(executedQty)
	if exec.IsZero() {
		return decimal.Zero
	}
	return parseDecimal(quoteQty).Div(exec)
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}
