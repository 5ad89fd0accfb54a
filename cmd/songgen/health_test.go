package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHealthCmd(t *testing.T) {
	orig := activeCfg
	t.Cleanup(func() { activeCfg = orig })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok","version":"v1.2.3","generating":true}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&stdout)
	root.SetArgs([]string{"health", "--addr", strings.TrimPrefix(srv.URL, "http://")})

	if err := root.Execute(); err != nil {
		t.Fatalf("health: %v", err)
	}
	if got := stdout.String(); got != "ok v1.2.3 (generating)\n" {
		t.Fatalf("output = %q", got)
	}
}

func TestHealthCmd_Unreachable(t *testing.T) {
	orig := activeCfg
	t.Cleanup(func() { activeCfg = orig })

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	root := NewRootCmd()
	root.SetArgs([]string{"health", "--addr", addr, "--timeout", "1s"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for a closed server")
	}
}
