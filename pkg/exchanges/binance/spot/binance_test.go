package spot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader-core/pkg/exchanges/common"
)

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *common.RateLimiter) {
	t.Helper()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	limiter := common.NewRateLimiter(common.RateLimiterConfig{Capacity: 10, RefillPerSec: 1})
	c := New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL}, limiter)
	return c, limiter
}

func TestFetchTicker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"95000.50"}`))
	})
	c, _ := newTestClient(t, mux)

	tk, err := c.FetchTicker(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 95000.50, tk.Last)
	assert.Equal(t, "BTC/USDT", tk.Pair)
}

func TestFetchCandles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/klines", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		w.Write([]byte(`[
			[1700000000000,"100.0","110.0","95.0","105.0","12.5",1700003599999,"0",1,"0","0","0"],
			[1700003600000,"105.0","106.0","101.0","102.0","8.0",1700007199999,"0",1,"0","0","0"]
		]`))
	})
	c, _ := newTestClient(t, mux)

	candles, err := c.FetchCandles(context.Background(), "BTC/USDT", "1h", 2)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, 105.0, candles[0].Close)
	assert.Equal(t, 102.0, candles[1].Close)
	assert.Equal(t, int64(1700003600000), candles[1].OpenTime.UnixMilli())
}

func TestPlaceOrderSendsClientOrderID(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.Equal(t, "tok-123", r.PostForm.Get("newClientOrderId"))
		assert.Equal(t, "MARKET", r.PostForm.Get("type"))
		assert.NotEmpty(t, r.PostForm.Get("signature"))
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"tok-123","price":"0",
			"origQty":"0.5","executedQty":"0.5","cummulativeQuoteQty":"50","status":"FILLED",
			"type":"MARKET","side":"BUY","transactTime":1700000000000}`))
	})
	c, limiter := newTestClient(t, mux)

	order, err := c.PlaceOrder(context.Background(), common.OrderRequest{
		Pair: "BTC/USDT", Side: common.SideBuy, Type: common.OrderTypeMarket, Quantity: 0.5, ClientOrderID: "tok-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "42", order.ID)
	assert.Equal(t, common.StatusClosed, order.Status)
	assert.Equal(t, 100.0, order.Price)
	assert.Less(t, limiter.Tokens(VenueName), 10.0)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   common.ErrorKind
	}{
		{"duplicate", 400, `{"code":-2010,"msg":"Duplicate order sent."}`, common.KindDuplicate},
		{"insufficient", 400, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`, common.KindInsufficientFunds},
		{"bad key", 401, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`, common.KindCredential},
		{"server", 503, `oops`, common.KindUnavailable},
		{"other", 400, `{"code":-1013,"msg":"Filter failure: LOT_SIZE"}`, common.KindUnknown},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			c, _ := newTestClient(t, mux)
			_, err := c.PlaceOrder(context.Background(), common.OrderRequest{Pair: "BTC/USDT", Side: common.SideBuy, Quantity: 1})
			require.Error(t, err)
			assert.Equal(t, tc.want, common.KindOf(err))
		})
	}
}

func TestTooManyRequestsTriggersBackoff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c, limiter := newTestClient(t, mux)

	before := time.Now()
	_, err := c.FetchTicker(context.Background(), "BTC/USDT")
	require.Error(t, err)
	assert.Equal(t, common.KindRateLimited, common.KindOf(err))

	state := limiter.Snapshot()[VenueName]
	assert.Equal(t, int64(1), state.Throttled)
	assert.False(t, state.BackoffUntil.Before(before.Add(7*time.Second)))
}

func TestMissingCredentials(t *testing.T) {
	c := New(Config{}, nil)
	err := c.CheckCredentials(context.Background())
	assert.Equal(t, common.KindCredential, common.KindOf(err))

	_, err = c.FetchBalance(context.Background())
	assert.Equal(t, common.KindCredential, common.KindOf(err))
}

func TestClosedClientRejectsCalls(t *testing.T) {
	c, _ := newTestClient(t, http.NewServeMux())
	require.NoError(t, c.Close())
	_, err := c.FetchTicker(context.Background(), "BTC/USDT")
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))
}
