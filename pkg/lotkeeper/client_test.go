package lotkeeper

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"lotkeeper/internal/api"
	"lotkeeper/internal/config"
	"lotkeeper/internal/domain"
	"lotkeeper/internal/notify"
)

func TestReady(t *testing.T) {
	srv := api.NewServer(config.Server{}, notify.NewHub(nil), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	c := NewClient(ts.URL+"/", "")
	ready, err := c.Ready(context.Background())
	if err != nil || ready {
		t.Fatalf("Ready() before startup = %v, %v; want false, nil", ready, err)
	}

	srv.SetReady()
	ready, err = c.Ready(context.Background())
	if err != nil || !ready {
		t.Fatalf("Ready() = %v, %v; want true, nil", ready, err)
	}
}

func TestWatch(t *testing.T) {
	hub := notify.NewHub(nil)
	srv := api.NewServer(config.Server{}, hub, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan notify.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- NewClient(ts.URL, "").Watch(ctx, func(e notify.Event) {
			got <- e
			cancel()
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.PublishLot(&domain.Lot{ID: 11, CorrelationID: "c-11", Status: domain.LotCanceled})

	select {
	case e := <-got:
		if e.Type != "lot" || e.Lot.ID != 11 || e.Lot.Status != domain.LotCanceled {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch() = %v, want nil after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestHealthStatus(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	hs := health.NewServer()
	hs.SetServingStatus(api.ServiceName, healthpb.HealthCheckResponse_SERVING)
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go gs.Serve(lis)
	defer gs.Stop()

	c := NewClient("http://unused", lis.Addr().String())
	status, err := c.HealthStatus(context.Background(), api.ServiceName)
	if err != nil {
		t.Fatalf("HealthStatus: %v", err)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("status = %v, want SERVING", status)
	}

	if _, err := NewClient("http://unused", "").HealthStatus(context.Background(), ""); err == nil {
		t.Error("HealthStatus without an address returned nil error")
	}
}
