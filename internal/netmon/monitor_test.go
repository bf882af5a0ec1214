package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runMonitor(t *testing.T, m *Monitor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestFirstObservationDoesNotReconnect(t *testing.T) {
	m := New(Options{})
	var reconnects atomic.Int32
	var changes []bool
	m.OnChange(func(online bool) { changes = append(changes, online) })
	m.OnReconnect(func(ctx context.Context) { reconnects.Add(1) })
	runMonitor(t, m)

	m.Report(true)
	m.Report(true)
	require.Equal(t, []bool{true}, changes)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, reconnects.Load())
}

func TestReconnectRunsHandlersInOrder(t *testing.T) {
	m := New(Options{})
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	m.OnReconnect(record("flush"))
	m.OnReconnect(record("invalidate"))
	runMonitor(t, m)

	m.Report(false)
	require.False(t, m.Online())
	m.Report(true)
	require.True(t, m.Online())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, time.Millisecond)
	require.Equal(t, []string{"flush", "invalidate"}, order)
}

func TestReconnectsCoalesceWhileDispatching(t *testing.T) {
	m := New(Options{})
	release := make(chan struct{})
	var runs atomic.Int32
	m.OnReconnect(func(ctx context.Context) {
		if runs.Add(1) == 1 {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	})
	runMonitor(t, m)

	m.Report(false)
	m.Report(true)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	// Three more edges while the first dispatch is blocked.
	for i := 0; i < 3; i++ {
		m.Report(false)
		m.Report(true)
	}
	close(release)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 2, runs.Load())
}

func TestPollingProbe(t *testing.T) {
	var online atomic.Bool
	m := New(Options{
		Probe:    ProbeFunc(func(ctx context.Context) bool { return online.Load() }),
		Interval: 5 * time.Millisecond,
	})
	var reconnects atomic.Int32
	m.OnReconnect(func(ctx context.Context) { reconnects.Add(1) })
	runMonitor(t, m)

	require.Eventually(t, func() bool { return !m.Online() }, time.Second, time.Millisecond)
	online.Store(true)
	require.Eventually(t, func() bool { return reconnects.Load() == 1 }, time.Second, time.Millisecond)
}

func TestHTTPProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	probe := HTTPProbe{URL: server.URL, Client: server.Client()}
	require.True(t, probe.Probe(context.Background()))

	server.Close()
	require.False(t, probe.Probe(context.Background()))
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	require.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.2))
	require.Equal(t, 8*time.Second, jitteredIntervalWithSample(base, 0.2, 0))
	require.Equal(t, 10*time.Second, jitteredIntervalWithSample(base, 0.2, 0.5))
	require.Equal(t, 12*time.Second, jitteredIntervalWithSample(base, 0.2, 1))
	require.Equal(t, 0.0, clampJitterRatio(-0.1))
	require.Equal(t, 1.0, clampJitterRatio(1.5))
}
