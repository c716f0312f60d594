// Package health probes runners beyond process liveness.
//
// A process can be alive yet useless: wedged, deadlocked, or no longer
// serving. A Watchdog attached to a runner probes it while it is RUNNING and,
// once the probe has failed Threshold times in a row, kills the process. The
// runner then observes an ordinary crash and its restart strategy takes over.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"
)

const (
	DefaultInterval  = 10 * time.Second
	DefaultTimeout   = 2 * time.Second
	DefaultThreshold = 3
)

// Kind selects how a probe is made.
type Kind string

const (
	KindHTTP Kind = "http"
	KindTCP  Kind = "tcp"
	KindExec Kind = "exec"
)

// Status represents the health state of a runner.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config holds probe configuration, mapped from the runner spec.
type Config struct {
	Kind        Kind
	URL         string        // http: any 2xx response is healthy
	Address     string        // tcp: host:port that must accept a connection
	Command     string        // exec: run with sh -c, exit 0 is healthy
	Interval    time.Duration // time between probes
	Timeout     time.Duration // max time per probe
	GracePeriod time.Duration // delay after RUNNING before the first probe
	Threshold   int           // consecutive failures before unhealthy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	return c
}

// Check runs one probe and returns nil if healthy.
func (c Config) Check(ctx context.Context) error {
	c = c.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	switch c.Kind {
	case KindHTTP:
		return checkHTTP(ctx, c.URL)
	case KindTCP:
		return checkTCP(ctx, c.Address)
	case KindExec:
		return checkExec(ctx, c.Command)
	default:
		return fmt.Errorf("unknown health check type: %s", c.Kind)
	}
}

func checkHTTP(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status: %d", resp.StatusCode)
	}
	return nil
}

func checkTCP(ctx context.Context, addr string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}
	conn.Close()
	return nil
}

func checkExec(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}
