package strategy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	exchange "autotrader-core/pkg/exchanges/common"
)

func candlesFrom(closes []float64) []exchange.Candle {
	out := make([]exchange.Candle, len(closes))
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		out[i] = exchange.Candle{OpenTime: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 1}
	}
	return out
}

func series(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func TestAnalyzerStrategies(t *testing.T) {
	ctx := context.Background()
	a := NewAnalyzer()

	tests := []struct {
		name     string
		strategy string
		closes   []float64
		want     Signal
		conf     float64
	}{
		{"no data", StrategyCombined, nil, SignalNeutral, 0},
		{"rsi oversold", StrategyRSIMomentum, series(30, 200, -2), SignalBuy, 0.9},
		{"rsi overbought", StrategyRSIMomentum, series(30, 100, 2), SignalSell, 0.9},
		{"sma short history", StrategySMACrossover, series(20, 100, 1), SignalNeutral, 0},
		{"sma bullish cross", StrategySMACrossover, append(series(40, 100, -0.5), 200), SignalBuy, 0.8},
		{"macd bullish", StrategyMACDTrend, series(60, 100, 1), SignalBuy, 0.7},
		{"macd bearish", StrategyMACDTrend, series(60, 200, -1), SignalSell, 0.7},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Analyze(ctx, tt.strategy, candlesFrom(tt.closes))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Signal, got.Reason)
			assert.InDelta(t, tt.conf, got.Confidence, 1e-9)
		})
	}
}

func TestCombinedConfidenceIsBounded(t *testing.T) {
	got, err := NewAnalyzer().Analyze(context.Background(), "unknown", candlesFrom(series(50, 300, -3)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Confidence, 0.0)
	assert.LessOrEqual(t, got.Confidence, 0.99)
	assert.NotEmpty(t, got.Indicators)
}

// fakeWorker answers Analyze with a fixed verdict and records the request.
type fakeWorker struct {
	last *structpb.Struct
}

func startWorker(t *testing.T, w *fakeWorker) *WorkerClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "strategy.v1.StrategyService",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Analyze",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				w.last = in
				return structpb.NewStruct(map[string]any{
					"signal":     "buy",
					"confidence": 0.75,
					"reason":     "remote",
					"indicators": map[string]any{"rsi": 25.0},
				})
			},
		}},
	}, w)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewWorkerClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestWorkerClientAnalyze(t *testing.T) {
	w := &fakeWorker{}
	client := startWorker(t, w)

	got, err := client.Analyze(context.Background(), "combined_ai", candlesFrom([]float64{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, SignalBuy, got.Signal)
	assert.Equal(t, 0.75, got.Confidence)
	assert.Equal(t, 25.0, got.Indicators["rsi"])

	require.NotNil(t, w.last)
	assert.Equal(t, "combined_ai", w.last.GetFields()["strategy"].GetStringValue())
	assert.Len(t, w.last.GetFields()["candles"].GetListValue().GetValues(), 3)
}

type failing struct{}

func (failing) Analyze(context.Context, string, []exchange.Candle) (Analysis, error) {
	return Analysis{}, errors.New("worker down")
}

func TestFallback(t *testing.T) {
	f := Fallback{Primary: failing{}, Secondary: NewAnalyzer()}
	got, err := f.Analyze(context.Background(), StrategyRSIMomentum, candlesFrom(series(30, 200, -2)))
	require.NoError(t, err)
	assert.Equal(t, SignalBuy, got.Signal)

	_, err = Fallback{Primary: failing{}}.Analyze(context.Background(), "x", nil)
	assert.Error(t, err)
}
