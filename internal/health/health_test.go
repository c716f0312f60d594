package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(200)
			return
		}
		w.WriteHeader(503)
	}))
	defer srv.Close()

	healthy := Config{Kind: KindHTTP, URL: srv.URL + "/health", Timeout: time.Second}
	if err := healthy.Check(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	unhealthy := Config{Kind: KindHTTP, URL: srv.URL + "/broken", Timeout: time.Second}
	err := unhealthy.Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Errorf("expected 503 failure, got %v", err)
	}
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	cfg := Config{Kind: KindTCP, Address: addr, Timeout: time.Second}
	if err := cfg.Check(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	ln.Close()
	if err := cfg.Check(context.Background()); err == nil {
		t.Error("expected failure after listener closed")
	}
}

func TestExecCheck(t *testing.T) {
	if err := (Config{Kind: KindExec, Command: "true"}).Check(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
	if err := (Config{Kind: KindExec, Command: "exit 1"}).Check(context.Background()); err == nil {
		t.Error("expected failure for non-zero exit")
	}
}

func TestCheckTimeout(t *testing.T) {
	cfg := Config{Kind: KindExec, Command: "sleep 5", Timeout: 50 * time.Millisecond}
	start := time.Now()
	if err := cfg.Check(context.Background()); err == nil {
		t.Error("expected timeout failure")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("check ignored its timeout, took %v", elapsed)
	}
}

func TestUnknownKind(t *testing.T) {
	err := (Config{Kind: "smoke-signal"}).Check(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unknown health check type") {
		t.Errorf("expected unknown type error, got %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Config{Kind: KindExec}.withDefaults()
	if cfg.Interval != DefaultInterval || cfg.Timeout != DefaultTimeout || cfg.Threshold != DefaultThreshold {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
