package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"
)

const probeTimeout = 5 * time.Second

// Reachability probes the chat server with a TCP dial on an interval and
// reports transitions between reachable and unreachable.
type Reachability struct {
	addr     string
	interval time.Duration
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
	logger   *slog.Logger
}

// NewReachability derives the probe address from the server base URL.
func NewReachability(baseURL string, interval time.Duration, logger *slog.Logger) (*Reachability, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" || u.Scheme == "wss" {
			port = "443"
		}
	}

	d := &net.Dialer{Timeout: probeTimeout}

	return &Reachability{
		addr:     net.JoinHostPort(u.Hostname(), port),
		interval: interval,
		dial:     d.DialContext,
		logger:   logger,
	}, nil
}

// Run probes until ctx is cancelled. The network is assumed reachable
// at start, so report is first called only if the first probe fails.
func (r *Reachability) Run(ctx context.Context, report func(online bool)) error {
	online := true

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		up := r.probe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if up != online {
			online = up
			r.logger.Info("reachability changed", slog.Bool("online", up), slog.String("addr", r.addr))
			report(up)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Reachability) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := r.dial(ctx, "tcp", r.addr)
	if err != nil {
		return false
	}

	conn.Close()

	return true
}
