package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// AuthProvider signs a private request before dispatch. Kept as an
// injection point so key handling stays outside this package.
type AuthProvider func(req *http.Request) error

// EdgexClient is a REST adapter for the edgeX derivatives exchange,
// implementing Client. One instance is shared by all symbols.
type EdgexClient struct {
	baseURL string
	http    *http.Client
	auth    AuthProvider
}

// NewEdgexClient builds an adapter for baseURL. auth may be nil when
// only public endpoints are used (e.g. in dry runs).
func NewEdgexClient(baseURL string, auth AuthProvider) *EdgexClient {
	return &EdgexClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		auth:    auth,
	}
}

// apiEnvelope is the common edgeX response wrapper
type apiEnvelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *EdgexClient) do(ctx context.Context, method, path string, query url.Values, body any, private bool) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if private {
		if c.auth == nil {
			return nil, fmt.Errorf("%s: private endpoint but no auth provider configured", path)
		}
		if err := c.auth(req); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http %d: %s", path, resp.StatusCode, truncate(raw))
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%s: decode envelope: %w", path, err)
	}
	if env.Code != "SUCCESS" {
		return nil, &apiError{Path: path, Code: env.Code, Msg: env.Msg}
	}
	return env.Data, nil
}

// apiError is a response the exchange delivered but refused. Transport
// failures stay plain errors so callers can tell the two apart.
type apiError struct {
	Path string
	Code string
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s: api error %s: %s", e.Path, e.Code, e.Msg)
}

func truncate(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}

// ============================================================================
// Public endpoints
// ============================================================================

type metaDataResp struct {
	ContractList []struct {
		ContractID   string `json:"contractId"`
		ContractName string `json:"contractName"`
		TickSize     string `json:"tickSize"`
		StepSize     string `json:"stepSize"`
		MinOrderSize string `json:"minOrderSize"`
	} `json:"contractList"`
}

func (c *EdgexClient) GetContractDirectory(ctx context.Context) ([]Contract, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/public/meta/getMetaData", nil, nil, false)
	if err != nil {
		return nil, err
	}
	var meta metaDataResp
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}

	out := make([]Contract, 0, len(meta.ContractList))
	for _, mc := range meta.ContractList {
		out = append(out, Contract{
			ID:           mc.ContractID,
			Symbol:       mc.ContractName,
			TickSize:     parseNum(mc.TickSize),
			StepSize:     parseNum(mc.StepSize),
			MinOrderSize: parseNum(mc.MinOrderSize),
		})
	}
	return out, nil
}

type klineResp struct {
	DataList []struct {
		KlineTime string `json:"klineTime"`
		Open      string `json:"open"`
		High      string `json:"high"`
		Low       string `json:"low"`
		Close     string `json:"close"`
		Size      string `json:"size"`
	} `json:"dataList"`
}

func (c *EdgexClient) GetKlines(ctx context.Context, contractID, interval string, limit int) ([]Kline, error) {
	q := url.Values{}
	q.Set("contractId", contractID)
	q.Set("klineType", interval)
	q.Set("size", strconv.Itoa(limit))

	data, err := c.do(ctx, http.MethodGet, "/api/v1/public/quote/getKline", q, nil, false)
	if err != nil {
		return nil, err
	}
	var kr klineResp
	if err := json.Unmarshal(data, &kr); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]Kline, 0, len(kr.DataList))
	for _, k := range kr.DataList {
		ms, _ := strconv.ParseInt(k.KlineTime, 10, 64)
		out = append(out, Kline{
			OpenTime: time.UnixMilli(ms),
			Open:     parseNum(k.Open),
			High:     parseNum(k.High),
			Low:      parseNum(k.Low),
			Close:    parseNum(k.Close),
			Volume:   parseNum(k.Size),
		})
	}
	// edgeX returns newest first; callers expect chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ============================================================================
// Private endpoints
// ============================================================================

type accountAssetResp struct {
	AccountAsset struct {
		TotalEquity     string `json:"totalEquity"`
		AvailableAmount string `json:"availableAmount"`
		InitialMargin   string `json:"initialMargin"`
	} `json:"accountAsset"`
}

func (c *EdgexClient) GetAccount(ctx context.Context) (AccountSnapshot, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v1/private/account/getAccountAsset", nil, nil, true)
	if err != nil {
		return AccountSnapshot{}, err
	}
	var ar accountAssetResp
	if err := json.Unmarshal(data, &ar); err != nil {
		return AccountSnapshot{}, fmt.Errorf("decode account asset: %w", err)
	}
	return AccountSnapshot{
		Equity:           parseNum(ar.AccountAsset.TotalEquity),
		AvailableBalance: parseNum(ar.AccountAsset.AvailableAmount),
		MarginUsed:       parseNum(ar.AccountAsset.InitialMargin),
		FetchedAt:        time.Now(),
	}, nil
}

type createOrderResp struct {
	OrderID string `json:"orderId"`
}

func (c *EdgexClient) PlaceOrder(ctx context.Context, req OrderRequest) (LiveOrder, error) {
	orderType := "LIMIT"
	if req.Market {
		orderType = "MARKET"
	}
	body := map[string]any{
		"contractId":    req.ContractID,
		"side":          string(req.Side),
		"size":          strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"type":          orderType,
		"clientOrderId": req.ClientID,
		"reduceOnly":    req.ReduceOnly,
	}
	if !req.Market {
		body["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
		body["timeInForce"] = "GOOD_TIL_CANCEL"
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v1/private/order/createOrder", nil, body, true)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return LiveOrder{}, &OrderRejectedError{Symbol: req.Symbol, Side: req.Side, Reason: apiErr.Msg}
		}
		return LiveOrder{}, err
	}
	var or createOrderResp
	if err := json.Unmarshal(data, &or); err != nil {
		return LiveOrder{}, fmt.Errorf("decode create order: %w", err)
	}
	return LiveOrder{
		OrderID:    or.OrderID,
		ContractID: req.ContractID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      req.Price,
		PlacedAt:   time.Now(),
	}, nil
}

func (c *EdgexClient) CancelOrder(ctx context.Context, contractID, orderID string) error {
	body := map[string]any{
		"contractId": contractID,
		"orderId":    orderID,
	}
	_, err := c.do(ctx, http.MethodPost, "/api/v1/private/order/cancelOrderById", nil, body, true)
	return err
}

type activeOrderResp struct {
	DataList []struct {
		OrderID      string `json:"orderId"`
		ContractID   string `json:"contractId"`
		ContractName string `json:"contractName"`
		Side         string `json:"side"`
		Size         string `json:"size"`
		Price        string `json:"price"`
		CreatedTime  string `json:"createdTime"`
	} `json:"dataList"`
}

func (c *EdgexClient) GetOpenOrders(ctx context.Context, contractID string) ([]LiveOrder, error) {
	q := url.Values{}
	if contractID != "" {
		q.Set("filterContractIdList", contractID)
	}
	data, err := c.do(ctx, http.MethodGet, "/api/v1/private/order/getActiveOrderPage", q, nil, true)
	if err != nil {
		return nil, err
	}
	var ar activeOrderResp
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("decode active orders: %w", err)
	}

	out := make([]LiveOrder, 0, len(ar.DataList))
	for _, o := range ar.DataList {
		ms, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
		out = append(out, LiveOrder{
			OrderID:    o.OrderID,
			ContractID: o.ContractID,
			Symbol:     o.ContractName,
			Side:       Side(o.Side),
			Quantity:   parseNum(o.Size),
			Price:      parseNum(o.Price),
			PlacedAt:   time.UnixMilli(ms),
		})
	}
	return out, nil
}

func parseNum(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
