package server

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/go-songgen/internal/config"
	"github.com/example/go-songgen/internal/songgen"
	"github.com/example/go-songgen/internal/stage1"
)

type idleGenerator struct{}

func (idleGenerator) Generate(context.Context, stage1.Request, stage1.Observer) (songgen.Output, error) {
	return songgen.Output{}, nil
}

func (idleGenerator) Checkpoints(context.Context) ([]int, error) { return nil, nil }

// freeAddr reserves a loopback port and releases it for the caller.
func freeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// waitHealthy polls addr until the health probe succeeds or the deadline
// passes.
func waitHealthy(t *testing.T, addr string, within time.Duration) Health {
	t.Helper()

	deadline := time.Now().Add(within)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		h, err := ProbeHTTP(ctx, addr)
		cancel()
		if err == nil {
			return h
		}
		if time.Now().After(deadline) {
			t.Fatalf("server at %s never became healthy: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = freeAddr(t)

	s := New(cfg, idleGenerator{}).WithShutdownTimeout(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	h := waitHealthy(t, cfg.Server.ListenAddr, time.Second)
	if h.Generating {
		t.Errorf("idle server reports generating")
	}
	if h.Version == "" {
		t.Errorf("health has no version")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start after cancel: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start still running 5s after cancel")
	}

	if _, err := ProbeHTTP(context.Background(), cfg.Server.ListenAddr); err == nil {
		t.Fatal("server still answering after shutdown")
	}
}

func TestStart_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := config.DefaultConfig()
	cfg.Server.ListenAddr = ln.Addr().String()

	errc := make(chan error, 1)
	go func() { errc <- New(cfg, idleGenerator{}).Start(context.Background()) }()

	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("Start on a busy port returned nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start on a busy port did not fail")
	}
}

func TestStart_RequiresGenerator(t *testing.T) {
	if err := New(config.DefaultConfig(), nil).Start(context.Background()); err == nil {
		t.Fatal("expected error without a generator")
	}
}

func TestNew_ShutdownTimeoutFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ShutdownTimeout = 7

	if got := New(cfg, idleGenerator{}).shutdownTimeout; got != 7*time.Second {
		t.Fatalf("shutdownTimeout = %v; want 7s", got)
	}

	cfg.Server.ShutdownTimeout = 0
	if got := New(cfg, idleGenerator{}).shutdownTimeout; got != 30*time.Second {
		t.Fatalf("shutdownTimeout = %v; want 30s default", got)
	}
}

func TestProbeHTTP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := &http.Server{Handler: NewHandler(idleGenerator{}), ReadHeaderTimeout: time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	health, err := ProbeHTTP(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("ProbeHTTP: %v", err)
	}
	if health.Status != "ok" || health.Generating {
		t.Fatalf("health = %+v", health)
	}
}

func TestProbeHTTP_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"bad status", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) }},
		{"not json", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) }},
		{"degraded", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"status":"starting"}`)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			addr := strings.TrimPrefix(srv.URL, "http://")
			if _, err := ProbeHTTP(context.Background(), addr); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
