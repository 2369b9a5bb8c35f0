package spot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"autotrader-core/pkg/exchanges/common"
)

// FetchTicker returns the last price for pair.
func (c *Client) FetchTicker(ctx context.Context, pair string) (common.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", common.VenueSymbol(pair))
	body, err := c.doPublic(ctx, "fetch_ticker", "/api/v3/ticker/price", params)
	if err != nil {
		return common.Ticker{}, err
	}
	var res struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return common.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	price := parseFloat(res.Price)
	if price <= 0 {
		return common.Ticker{}, common.NewVenueError(VenueName, "fetch_ticker", common.KindUnavailable,
			fmt.Errorf("no price for %s", pair))
	}
	return common.Ticker{Pair: pair, Last: price, Time: time.Now()}, nil
}

// FetchCandles returns up to limit bars, oldest first.
func (c *Client) FetchCandles(ctx context.Context, pair, timeframe string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", common.VenueSymbol(pair))
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "fetch_candles", "/api/v3/klines", params)
	if err != nil {
		return nil, err
	}

	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	candles := make([]common.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		var openTime int64
		if err := json.Unmarshal(r[0], &openTime); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}
		candles = append(candles, common.Candle{
			OpenTime: time.UnixMilli(openTime).UTC(),
			Open:     rawFloat(r[1]),
			High:     rawFloat(r[2]),
			Low:      rawFloat(r[3]),
			Close:    rawFloat(r[4]),
			Volume:   rawFloat(r[5]),
		})
	}
	return candles, nil
}

func rawFloat(raw json.RawMessage) float64 {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return parseFloat(s)
	}
	var f float64
	_ = json.Unmarshal(raw, &f)
	return f
}
