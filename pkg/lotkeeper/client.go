// Package lotkeeper is a Go client for a running lotkeeper-server: its
// health endpoints and its lot update feed.
package lotkeeper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"lotkeeper/internal/notify"
)

// Client talks to one lotkeeper-server.
type Client struct {
	baseURL    string
	grpcAddr   string
	httpClient *http.Client
}

// NewClient creates a client for the HTTP API at baseURL. grpcAddr may be
// empty when only the HTTP surface is used.
func NewClient(baseURL, grpcAddr string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		grpcAddr: grpcAddr,
		// No overall timeout: Watch holds its response open.
		httpClient: &http.Client{},
	}
}

// Ready reports whether the server finished its startup reconciliation,
// according to GET /healthz.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("GET /healthz: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusServiceUnavailable:
		return false, nil
	default:
		return false, fmt.Errorf("GET /healthz: unexpected status %s", resp.Status)
	}
}

// HealthStatus queries the gRPC health service for service ("" for the
// server as a whole).
func (c *Client) HealthStatus(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if c.grpcAddr == "" {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("no gRPC address configured")
	}
	conn, err := grpc.NewClient(c.grpcAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting to %s: %w", c.grpcAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus(), nil
}

// Watch subscribes to the lot update feed and calls fn for every event until
// ctx is cancelled or the server closes the stream. It returns nil in both
// of those cases.
func (c *Client) Watch(ctx context.Context, fn func(notify.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET /events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET /events: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var e notify.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		fn(e)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading events: %w", err)
	}
	return nil
}
