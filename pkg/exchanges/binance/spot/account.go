package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"autotrader-core/pkg/exchanges/common"
)

type accountInfo struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// FetchBalance returns free and total (free + locked) per asset.
func (c *Client) FetchBalance(ctx context.Context) (common.Balance, error) {
	body, err := c.doSigned(ctx, "fetch_balance", http.MethodGet, "/api/v3/account", nil, common.CostRead)
	if err != nil {
		return common.Balance{}, err
	}
	var info accountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return common.Balance{}, fmt.Errorf("decode account info: %w", err)
	}
	bal := common.Balance{Free: map[string]float64{}, Total: map[string]float64{}}
	for _, b := range info.Balances {
		free, locked := parseFloat(b.Free), parseFloat(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		bal.Free[b.Asset] = free
		bal.Total[b.Asset] = free + locked
	}
	return bal, nil
}

// orderResponse covers both the order ack (RESULT/FULL) and order queries.
type orderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	TransactTime        int64  `json:"transactTime"`
}

func (r orderResponse) toOrder(pair string) common.Order {
	price := parseFloat(r.Price)
	executed := parseFloat(r.ExecutedQty)
	if quote := parseFloat(r.CummulativeQuoteQty); executed > 0 && quote > 0 {
		price = quote / executed
	}
	ts := r.TransactTime
	if ts == 0 {
		ts = r.Time
	}
	return common.Order{
		ID:            strconv.FormatInt(r.OrderID, 10),
		ClientOrderID: r.ClientOrderID,
		Pair:          pair,
		Side:          common.Side(strings.ToUpper(r.Side)),
		Type:          common.OrderType(strings.ToUpper(r.Type)),
		Quantity:      parseFloat(r.OrigQty),
		Price:         price,
		Status:        mapStatus(r.Status),
		CreatedAt:     time.UnixMilli(ts).UTC(),
	}
}

// PlaceOrder submits an order carrying the caller's client order id.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.Order, error) {
	ordType := req.Type
	if ordType == "" {
		ordType = common.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", common.VenueSymbol(req.Pair))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", formatFloat(req.Quantity))
	params.Set("newOrderRespType", "RESULT")
	if ordType == common.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		params.Set("timeInForce", "GTC")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	body, err := c.doSigned(ctx, "place_order", http.MethodPost, "/api/v3/order", params, common.CostOrder)
	if err != nil {
		return common.Order{}, err
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.Order{}, fmt.Errorf("decode order response: %w", err)
	}
	return resp.toOrder(req.Pair), nil
}

// FetchOpenOrders returns resting orders for pair.
func (c *Client) FetchOpenOrders(ctx context.Context, pair string) ([]common.Order, error) {
	params := url.Values{}
	params.Set("symbol", common.VenueSymbol(pair))
	body, err := c.doSigned(ctx, "fetch_open_orders", http.MethodGet, "/api/v3/openOrders", params, common.CostRead)
	if err != nil {
		return nil, err
	}
	return decodeOrders(body, pair, func(common.OrderStatus) bool { return true })
}

// FetchClosedOrders returns recent orders for pair that are no longer open.
func (c *Client) FetchClosedOrders(ctx context.Context, pair string, limit int) ([]common.Order, error) {
	params := url.Values{}
	params.Set("symbol", common.VenueSymbol(pair))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, "fetch_closed_orders", http.MethodGet, "/api/v3/allOrders", params, common.CostRead)
	if err != nil {
		return nil, err
	}
	return decodeOrders(body, pair, func(s common.OrderStatus) bool { return s != common.StatusOpen })
}

func decodeOrders(body []byte, pair string, keep func(common.OrderStatus) bool) ([]common.Order, error) {
	var raw []orderResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	out := make([]common.Order, 0, len(raw))
	for _, r := range raw {
		o := r.toOrder(pair)
		if keep(o.Status) {
			out = append(out, o)
		}
	}
	return out, nil
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW", "PARTIALLY_FILLED", "PENDING_NEW":
		return common.StatusOpen
	case "FILLED":
		return common.StatusClosed
	case "CANCELED", "PENDING_CANCEL", "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}
