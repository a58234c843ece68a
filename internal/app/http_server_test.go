package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/vbs/internal/health"
	"github.com/vladislavdragonenkov/vbs/internal/version"
)

func findFreePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestStartMetricsServer_Endpoints(t *testing.T) {
	logger := log.WithField("test", "http")
	port := findFreePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.String())
	srv := startMetricsServer(ctx, fmt.Sprintf(":%d", port), logger, healthHandler)
	if srv == nil {
		t.Fatal("startMetricsServer returned nil")
	}
	time.Sleep(100 * time.Millisecond)

	cases := []struct {
		path     string
		wantBody string
	}{
		{"/metrics", ""},
		{"/healthz", ""},
		{"/livez", "ok"},
		{"/readyz", "ready"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			status, body := httpGet(t, fmt.Sprintf("http://localhost:%d%s", port, tc.path))
			if status != http.StatusOK {
				t.Errorf("%s returned status %d, expected 200", tc.path, status)
			}
			if tc.wantBody != "" && body != tc.wantBody {
				t.Errorf("%s returned body %q, expected %q", tc.path, body, tc.wantBody)
			}
			if tc.path == "/metrics" && len(body) == 0 {
				t.Error("/metrics should return non-empty response")
			}
		})
	}
}

func TestStartMetricsServer_ReadyzReflectsStorage(t *testing.T) {
	logger := log.WithField("test", "http-readyz")
	port := findFreePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	healthHandler := healthcheck.NewHandler(version.String())
	healthHandler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func() error {
		return errors.New("connection refused")
	}))

	startMetricsServer(ctx, fmt.Sprintf(":%d", port), logger, healthHandler)
	time.Sleep(100 * time.Millisecond)

	status, body := httpGet(t, fmt.Sprintf("http://localhost:%d/readyz", port))
	if status != http.StatusServiceUnavailable {
		t.Errorf("expected 503 from /readyz with broken storage, got %d", status)
	}
	if body != "not ready" {
		t.Errorf("expected 'not ready' body, got %q", body)
	}

	// Liveness не зависит от состояния хранилища.
	status, _ = httpGet(t, fmt.Sprintf("http://localhost:%d/livez", port))
	if status != http.StatusOK {
		t.Errorf("expected 200 from /livez, got %d", status)
	}
}

func TestStartMetricsServer_StopsOnContextCancel(t *testing.T) {
	logger := log.WithField("test", "http-shutdown")
	port := findFreePort(t)

	ctx, cancel := context.WithCancel(context.Background())

	healthHandler := healthcheck.NewHandler(version.String())
	startMetricsServer(ctx, fmt.Sprintf(":%d", port), logger, healthHandler)
	time.Sleep(100 * time.Millisecond)

	url := fmt.Sprintf("http://localhost:%d/livez", port)
	status, _ := httpGet(t, url)
	if status != http.StatusOK {
		t.Fatalf("server should be running, got status %d", status)
	}

	cancel()
	time.Sleep(200 * time.Millisecond)

	if _, err := http.Get(url); err == nil {
		t.Error("server should be stopped after context cancellation")
	}
}

func TestStartMetricsServer_BusyPort(t *testing.T) {
	logger := log.WithField("test", "http-busy-port")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()
	addr := fmt.Sprintf(":%d", listener.Addr().(*net.TCPAddr).Port)

	// Занятый порт валит только serve-горутину, сам Run продолжается.
	srv := startMetricsServer(ctx, addr, logger, healthcheck.NewHandler(version.String()))
	if srv == nil {
		t.Error("startMetricsServer should not return nil even when the port is busy")
	}
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	// Не должно паниковать.
	shutdownHTTP(nil, log.WithField("test", "http-nil"))
}

func TestShutdownHTTP_StopsServer(t *testing.T) {
	logger := log.WithField("test", "http-shutdown-func")
	port := findFreePort(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	time.Sleep(100 * time.Millisecond)

	url := fmt.Sprintf("http://localhost:%d/ping", port)
	status, _ := httpGet(t, url)
	if status != http.StatusOK {
		t.Fatalf("server should be running, got status %d", status)
	}

	shutdownHTTP(srv, logger)
	time.Sleep(100 * time.Millisecond)

	if _, err := http.Get(url); err == nil {
		t.Error("server should be stopped after shutdownHTTP")
	}
}
