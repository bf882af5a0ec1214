// Package netmon tracks connectivity and runs reconnect handlers on every
// offline to online transition.
package netmon

import (
	"context"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Probe reports whether the backend is reachable right now.
type Probe interface {
	Probe(ctx context.Context) bool
}

type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Probe(ctx context.Context) bool { return f(ctx) }

// HTTPProbe treats any HTTP answer from URL as online; only transport
// failures count as offline.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, strings.TrimSpace(p.URL), nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

type Options struct {
	Probe    Probe
	Interval time.Duration
	// Jitter spreads probe intervals by up to this ratio either way.
	Jitter float64
	Logger *zap.Logger
}

type Monitor struct {
	probe    Probe
	interval time.Duration
	jitter   float64
	log      *zap.Logger

	mu          sync.Mutex
	known       bool
	online      bool
	onChange    []func(online bool)
	onReconnect []func(ctx context.Context)

	reconnects chan struct{}
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{
		probe:      opts.Probe,
		interval:   opts.Interval,
		jitter:     clampJitterRatio(opts.Jitter),
		log:        opts.Logger,
		online:     true,
		reconnects: make(chan struct{}, 1),
	}
}

// Online reports the last observed state. Before the first observation the
// network is assumed reachable.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange registers fn for every state change, including the first
// observation. fn runs on the reporting goroutine.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnReconnect registers fn for offline to online transitions. Handlers run
// one after another on the dispatcher owned by Run; transitions observed
// while a dispatch is running collapse into one more dispatch.
func (m *Monitor) OnReconnect(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, fn)
}

// Report records an observation from the probe or the platform.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	first := !m.known
	if !first && m.online == online {
		m.mu.Unlock()
		return
	}
	reconnected := !first && online && !m.online
	m.known = true
	m.online = online
	handlers := append(([]func(bool))(nil), m.onChange...)
	m.mu.Unlock()

	if first {
		m.log.Debug("initial network state", zap.Bool("online", online))
	} else {
		m.log.Info("network state changed", zap.Bool("online", online))
	}
	for _, fn := range handlers {
		fn(online)
	}
	if reconnected {
		select {
		case m.reconnects <- struct{}{}:
		default:
		}
	}
}

// Run polls the probe and dispatches reconnect handlers until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		m.dispatch(ctx)
		return nil
	})
	if m.probe != nil {
		group.Go(func() error {
			m.poll(ctx)
			return nil
		})
	}
	return group.Wait()
}

func (m *Monitor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reconnects:
			m.mu.Lock()
			handlers := append(([]func(context.Context))(nil), m.onReconnect...)
			m.mu.Unlock()
			m.log.Debug("running reconnect handlers", zap.Int("handlers", len(handlers)))
			for _, fn := range handlers {
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	m.Report(m.probe.Probe(ctx))

	timer := time.NewTimer(jitteredIntervalWithSample(m.interval, m.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			online := m.probe.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			m.Report(online)
			timer.Reset(jitteredIntervalWithSample(m.interval, m.jitter, rng.Float64()))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
