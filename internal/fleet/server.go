package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fleetharness/internal/retry"
)

// Server is the web server service, reached through its published HTTP
// port.
type Server struct {
	Service
	HTTPPort   int
	HealthPath string
	Client     *http.Client
}

func NewServer(c Controller, name string, httpPort int, logger *slog.Logger) *Server {
	return &Server{
		Service:    NewService(c, name, logger),
		HTTPPort:   httpPort,
		HealthPath: "/",
		Client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// URL is the base URL of the server on the host.
func (s *Server) URL(ctx context.Context) (string, error) {
	ep, err := s.Port(ctx, s.HTTPPort)
	if err != nil {
		return "", err
	}
	return "http://" + ep.String(), nil
}

// WaitForHTTP retries GET path until it answers 2xx or 3xx. Connection
// errors and other statuses count as not ready.
func (s *Server) WaitForHTTP(ctx context.Context, path string) error {
	base, err := s.URL(ctx)
	if err != nil {
		return err
	}
	url := base + path
	cfg := s.Controller.RetryConfig().WithMsg("waiting for %s to answer", url)
	return retry.Wait(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		resp, err := s.Client.Do(req)
		if err != nil {
			return retry.NotReady("GET %s: %v", url, err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return retry.NotReady("GET %s: status %d", url, resp.StatusCode)
		}
		return nil
	})
}

// WaitForReady waits for the container and then for the health path.
func (s *Server) WaitForReady(ctx context.Context) error {
	if err := s.WaitForOperational(ctx); err != nil {
		return err
	}
	return s.WaitForHTTP(ctx, s.HealthPath)
}
