package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewServer(t *testing.T) {
	logger := zap.NewNop()
	server := NewServer("0", logger)

	if server == nil || server.server == nil {
		t.Fatal("NewServer() returned an incomplete server")
	}
	if server.server.Addr != ":0" {
		t.Errorf("Addr = %q, want %q", server.server.Addr, ":0")
	}
}

func TestServerStartStop(t *testing.T) {
	logger := zap.NewNop()
	server := NewServer("18099", logger)

	server.StartAsync()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestServerMetricsAndHealthEndpoints(t *testing.T) {
	logger := zap.NewNop()
	server := NewServer("18100", logger)
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:18100/healthz"))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want %q", body, "ok")
	}

	metricsResp, err := http.Get("http://localhost:18100/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	if metricsResp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d, want 200", metricsResp.StatusCode)
	}
}
