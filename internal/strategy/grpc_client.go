package strategy

import (
	"context"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	exchange "autotrader-core/pkg/exchanges/common"
)

// AnalyzeMethod is the full gRPC method name served by the strategy worker.
// Requests and responses are google.protobuf.Struct messages.
const AnalyzeMethod = "/strategy.v1.StrategyService/Analyze"

// WorkerClient asks a remote strategy worker over gRPC.
type WorkerClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

var _ Service = (*WorkerClient)(nil)

// NewWorkerClient connects lazily to addr. Extra options are appended after
// the default insecure transport credentials.
func NewWorkerClient(addr string, opts ...grpc.DialOption) (*WorkerClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("strategy worker %s: %w", addr, err)
	}
	return &WorkerClient{conn: conn, timeout: 2 * time.Second}, nil
}

func (w *WorkerClient) Close() error {
	if w.conn == nil {
		return nil
	}
	return w.conn.Close()
}

// Analyze implements Service.
func (w *WorkerClient) Analyze(ctx context.Context, name string, candles []exchange.Candle) (Analysis, error) {
	bars := make([]any, len(candles))
	for i, c := range candles {
		bars[i] = map[string]any{
			"time":   c.OpenTime.UnixMilli(),
			"open":   c.Open,
			"high":   c.High,
			"low":    c.Low,
			"close":  c.Close,
			"volume": c.Volume,
		}
	}
	req, err := structpb.NewStruct(map[string]any{"strategy": name, "candles": bars})
	if err != nil {
		return Analysis{}, fmt.Errorf("encode analyze request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := w.conn.Invoke(ctx, AnalyzeMethod, req, resp); err != nil {
		return Analysis{}, fmt.Errorf("strategy worker analyze: %w", err)
	}
	return decodeAnalysis(resp), nil
}

func decodeAnalysis(s *structpb.Struct) Analysis {
	f := s.GetFields()
	a := Analysis{
		Signal:     Signal(f["signal"].GetStringValue()),
		Confidence: f["confidence"].GetNumberValue(),
		Reason:     f["reason"].GetStringValue(),
	}
	switch a.Signal {
	case SignalBuy, SignalSell:
	default:
		a.Signal = SignalNeutral
	}
	if ind := f["indicators"].GetStructValue(); ind != nil {
		a.Indicators = make(map[string]float64, len(ind.GetFields()))
		for k, v := range ind.GetFields() {
			a.Indicators[k] = v.GetNumberValue()
		}
	}
	return a
}

// Fallback uses primary and falls back to secondary when primary errors.
type Fallback struct {
	Primary   Service
	Secondary Service
}

// Analyze implements Service.
func (f Fallback) Analyze(ctx context.Context, name string, candles []exchange.Candle) (Analysis, error) {
	a, err := f.Primary.Analyze(ctx, name, candles)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return a, err
	}
	log.Printf("strategy: primary failed, using local analyzer: %v", err)
	return f.Secondary.Analyze(ctx, name, candles)
}
