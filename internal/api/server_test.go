package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"lotkeeper/internal/config"
	"lotkeeper/internal/domain"
	"lotkeeper/internal/metrics"
	"lotkeeper/internal/notify"
)

func newTestServer(t *testing.T) (*Server, *notify.Hub, *httptest.Server) {
	t.Helper()
	hub := notify.NewHub(nil)
	m := metrics.New(prometheus.NewRegistry())
	s := NewServer(config.Server{}, hub, m, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, hub, ts
}

func TestHealthz(t *testing.T) {
	s, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("before ready: status = %d, want 503", resp.StatusCode)
	}

	s.SetReady()
	if !s.Ready() {
		t.Fatal("Ready() = false after SetReady")
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("after ready: status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS header = %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, ts := newTestServer(t)
	s.metrics.ObserveDisposal("profit")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `lotkeeper_disposals_total{reason="profit"} 1`) {
		t.Errorf("metrics output missing disposal counter:\n%s", body)
	}
}

func TestOptionsPreflight(t *testing.T) {
	_, _, ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
}

func TestEventFeed(t *testing.T) {
	_, hub, ts := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Headers are flushed after subscribing.
	if hub.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", hub.Subscribers())
	}

	hub.PublishLot(&domain.Lot{ID: 7, CorrelationID: "c-7", Symbol: "AAPL", Status: domain.LotOpen})

	reader := bufio.NewReader(resp.Body)
	var event, data string
	deadline := time.Now().Add(5 * time.Second)
	for (event == "" || data == "") && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	if event != "lot" {
		t.Errorf("event = %q, want lot", event)
	}
	var got notify.Event
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatalf("decode event %q: %v", data, err)
	}
	if got.Lot.ID != 7 || got.Lot.CorrelationID != "c-7" || got.Lot.Status != domain.LotOpen {
		t.Errorf("event lot = %+v", got.Lot)
	}

	cancel()
	deadline = time.Now().Add(5 * time.Second)
	for hub.Subscribers() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after client left, want 0", hub.Subscribers())
	}
}

func TestGRPCHealth(t *testing.T) {
	s := NewServer(config.Server{}, nil, nil, nil)

	lis := bufconn.Listen(1 << 20)
	go s.grpcSrv.Serve(lis)
	defer s.grpcSrv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("before ready: %v, want NOT_SERVING", resp.GetStatus())
	}

	s.SetReady()

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after ready: %v, want SERVING", resp.GetStatus())
	}
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	s := NewServer(config.Server{Host: "127.0.0.1", Port: freePort(t)}, notify.NewHub(nil), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe() = %v, want nil", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ListenAndServe did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer lis.Close()
	return lis.Addr().(*net.TCPAddr).Port
}
