// Package httpprobe implements netmon.Probe by pinging a well-known
// endpoint over HTTP. It stands in for a platform reachability API on
// hosts that do not expose one.
package httpprobe

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/harborapp/synccore/pkg/offline/netmon"
)

const (
	defaultInterval = 15 * time.Second
	defaultTimeout  = 5 * time.Second
)

// Config controls probe behaviour.
type Config struct {
	// URL is the endpoint to ping. Any response below 500 counts as
	// reachable; HEAD is used so the body is never transferred.
	URL string
	// Interval between pings. Zero picks a default.
	Interval time.Duration
	// Timeout for a single ping. Zero picks a default.
	Timeout time.Duration
}

// Probe pings Config.URL on an interval and reports reachability.
type Probe struct {
	client   *resty.Client
	url      string
	interval time.Duration
}

// New constructs a Probe.
func New(cfg Config) (*Probe, error) {
	if cfg.URL == "" {
		return nil, errors.New("httpprobe: probe url is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	client := resty.New().SetTimeout(cfg.Timeout)

	return &Probe{
		client:   client,
		url:      cfg.URL,
		interval: cfg.Interval,
	}, nil
}

// Current implements netmon.Probe with a single ping.
func (p *Probe) Current(ctx context.Context) (netmon.State, error) {
	return p.ping(ctx), nil
}

// Watch implements netmon.Probe. The returned channel carries one
// observation per interval and closes when ctx is cancelled.
func (p *Probe) Watch(ctx context.Context) (<-chan netmon.State, error) {
	events := make(chan netmon.State, 1)

	go func() {
		defer close(events)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				state := p.ping(ctx)
				select {
				case events <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

func (p *Probe) ping(ctx context.Context) netmon.State {
	resp, err := p.client.R().SetContext(ctx).Head(p.url)
	if err != nil || resp.StatusCode() >= http.StatusInternalServerError {
		return netmon.State{
			Connected:         false,
			InternetReachable: netmon.ReachabilityNo,
			ConnectionType:    netmon.ConnectionNone,
		}
	}
	// An HTTP-level probe cannot tell wifi from cellular.
	return netmon.State{
		Connected:         true,
		InternetReachable: netmon.ReachabilityYes,
		ConnectionType:    netmon.ConnectionUnknown,
	}
}
