package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type mockUnaryHandler struct {
	err      error
	response interface{}
}

func (m *mockUnaryHandler) handle(ctx context.Context, req interface{}) (interface{}, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func TestUnaryServerInterceptor_Success(t *testing.T) {
	interceptor := UnaryServerInterceptor(zap.NewNop())
	handler := &mockUnaryHandler{response: "ok"}
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	resp, err := interceptor(context.Background(), "req", info, handler.handle)
	if err != nil {
		t.Fatalf("Expected nil error, got %v", err)
	}
	if resp != "ok" {
		t.Errorf("Expected response ok, got %v", resp)
	}
}

func TestUnaryServerInterceptor_Error(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	interceptor := UnaryServerInterceptor(zap.New(core))
	handler := &mockUnaryHandler{err: status.Error(codes.NotFound, "unknown service")}
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := interceptor(context.Background(), "req", info, handler.handle)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Expected NotFound, got %v", err)
	}

	entries := logs.FilterMessage("gRPC request failed").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one failure log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["code"]; got != codes.NotFound.String() {
		t.Errorf("Expected code %s, got %v", codes.NotFound, got)
	}
}

func TestUnaryMetricsInterceptor(t *testing.T) {
	interceptor := UnaryMetricsInterceptor()
	method := "/grpc.health.v1.Health/TestMetrics"
	info := &grpc.UnaryServerInfo{FullMethod: method}

	before := testutil.ToFloat64(grpcRequestsTotal.WithLabelValues(method, codes.Unknown.String()))

	handler := &mockUnaryHandler{err: errors.New("plain error")}
	if _, err := interceptor(context.Background(), "req", info, handler.handle); err == nil {
		t.Fatal("Expected error from handler")
	}

	after := testutil.ToFloat64(grpcRequestsTotal.WithLabelValues(method, codes.Unknown.String()))
	if after != before+1 {
		t.Errorf("Expected counter to increase by 1, got %v -> %v", before, after)
	}
}
