package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"lbankflow/config"
	"lbankflow/internal/signing"
	"lbankflow/logger"
	"lbankflow/models"
)

const (
	klineEndpoint       = "/v2/kline.do"
	createOrderEndpoint = "/v2/supplement/create_order.do"
	orderInfoEndpoint   = "/v2/order_info.do"
	cancelOrderEndpoint = "/v2/cancel_order.do"
	openOrdersEndpoint  = "/v2/orders_info_no_deal.do"
)

// Client talks to the venue's request/response API: public kline history
// and signed private order endpoints.
type Client struct {
	baseURL   string
	apiKey    string
	secretKey string
	http      *http.Client
	log       *logger.Log

	requestsSent int64
	errorCount   int64
}

// Stats is a snapshot of the request counters.
type Stats struct {
	RequestsSent int64
	Errors       int64
}

func New(cfg *config.Config) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.Rest.BaseURL, "/"),
		apiKey:    cfg.Trading.APIKey,
		secretKey: cfg.Trading.SecretKey,
		http: &http.Client{
			Timeout: time.Duration(cfg.Rest.TimeoutSec) * time.Second,
		},
		log: logger.GetLogger(),
	}
}

// resultFlag tolerates the venue's habit of serialising booleans as
// strings.
type resultFlag bool

func (r *resultFlag) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	*r = resultFlag(strings.EqualFold(s, "true"))
	return nil
}

type apiEnvelope struct {
	Result    resultFlag      `json:"result"`
	ErrorCode int             `json:"error_code"`
	Data      json.RawMessage `json:"data"`
	OrderID   string          `json:"order_id"`
	Message   string          `json:"msg"`
}

// OrderRequest describes one order submission. CustomID carries the
// caller's correlation id through to the venue.
type OrderRequest struct {
	Symbol   string
	Side     models.Side
	Price    float64
	Amount   float64
	CustomID string
}

// FetchKlines retrieves up to size bars for a symbol. period is the
// venue's REST code for the timeframe.
func (c *Client) FetchKlines(ctx context.Context, symbol, period string, size int) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("size", strconv.Itoa(size))
	q.Set("type", period)
	q.Set("time", strconv.FormatInt(time.Now().Unix(), 10))

	body, err := c.get(ctx, klineEndpoint, q)
	if err != nil {
		return nil, err
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode kline response: %w", err)
	}
	if !bool(env.Result) {
		return nil, fmt.Errorf("kline request rejected: error_code=%d", env.ErrorCode)
	}

	var rows [][]float64
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("decode kline rows: %w", err)
	}

	bars := make([]models.Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		bars = append(bars, models.Bar{
			Timestamp: int64(row[0]),
			Open:      row[1],
			High:      row[2],
			Low:       row[3],
			Close:     row[4],
			Volume:    row[5],
		})
	}
	return bars, nil
}

// CreateOrder submits a signed limit order and returns the venue order id.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	params := map[string]string{
		"symbol": req.Symbol,
		"type":   string(req.Side),
		"price":  strconv.FormatFloat(req.Price, 'f', -1, 64),
		"amount": strconv.FormatFloat(req.Amount, 'f', -1, 64),
	}
	if req.CustomID != "" {
		params["custom_id"] = req.CustomID
	}

	env, err := c.privatePost(ctx, createOrderEndpoint, params)
	if err != nil {
		return "", err
	}

	orderID := env.OrderID
	if orderID == "" && len(env.Data) > 0 {
		var data struct {
			OrderID string `json:"order_id"`
		}
		if err := json.Unmarshal(env.Data, &data); err == nil {
			orderID = data.OrderID
		}
	}
	if orderID == "" {
		return "", fmt.Errorf("create order returned no order_id: error_code=%d", env.ErrorCode)
	}
	return orderID, nil
}

// OrderInfo fetches the current status of one order.
func (c *Client) OrderInfo(ctx context.Context, symbol, orderID string) (models.OrderInfo, error) {
	env, err := c.privatePost(ctx, orderInfoEndpoint, map[string]string{
		"symbol":   symbol,
		"order_id": orderID,
	})
	if err != nil {
		return models.OrderInfo{}, err
	}

	var info models.OrderInfo
	if len(env.Data) > 0 {
		// order_info returns either the order object or a one-element list.
		if env.Data[0] == '[' {
			var list []models.OrderInfo
			if err := json.Unmarshal(env.Data, &list); err != nil {
				return models.OrderInfo{}, fmt.Errorf("decode order info list: %w", err)
			}
			if len(list) == 0 {
				return models.OrderInfo{}, fmt.Errorf("order %s not found", orderID)
			}
			info = list[0]
		} else if err := json.Unmarshal(env.Data, &info); err != nil {
			return models.OrderInfo{}, fmt.Errorf("decode order info: %w", err)
		}
	}
	if info.OrderID == "" {
		info.OrderID = orderID
	}
	return info, nil
}

// CancelOrder requests cancellation of one order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := c.privatePost(ctx, cancelOrderEndpoint, map[string]string{
		"symbol":   symbol,
		"order_id": orderID,
	})
	return err
}

// OpenOrders lists the live orders for one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]models.OrderInfo, error) {
	env, err := c.privatePost(ctx, openOrdersEndpoint, map[string]string{
		"symbol": symbol,
	})
	if err != nil {
		return nil, err
	}
	var list []models.OrderInfo
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &list); err != nil {
			return nil, fmt.Errorf("decode open orders: %w", err)
		}
	}
	return list, nil
}

// GetStats returns the request counters.
func (c *Client) GetStats() Stats {
	return Stats{
		RequestsSent: atomic.LoadInt64(&c.requestsSent),
		Errors:       atomic.LoadInt64(&c.errorCount),
	}
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return c.do(req)
}

// privatePost signs and sends a form-encoded private request.
func (c *Client) privatePost(ctx context.Context, endpoint string, params map[string]string) (*apiEnvelope, error) {
	echostr, err := signing.RandomEchostr(32)
	if err != nil {
		return nil, err
	}

	params["api_key"] = c.apiKey
	params["timestamp"] = strconv.FormatInt(signing.Stamp(), 10)
	params["signature_method"] = signing.Method
	params["echostr"] = echostr
	params["sign"] = signing.Sign(params, c.secretKey)

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", endpoint, err)
	}
	if !bool(env.Result) {
		return nil, fmt.Errorf("request to %s rejected: error_code=%d msg=%s", endpoint, env.ErrorCode, env.Message)
	}
	return &env, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	atomic.AddInt64(&c.requestsSent, 1)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		atomic.AddInt64(&c.errorCount, 1)
		return nil, fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		atomic.AddInt64(&c.errorCount, 1)
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&c.errorCount, 1)
		return nil, fmt.Errorf("request %s: status %d", req.URL.Path, resp.StatusCode)
	}

	logger.IncrementPollRead(len(body))
	c.log.WithComponent("rest_client").WithFields(logger.Fields{
		"endpoint":    req.URL.Path,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("request complete")
	return body, nil
}
