package offline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Monitor tracks server reachability by probing the health endpoint. Any
// HTTP response at all counts as online; only transport-level failures mean
// offline. Callbacks registered with OnOnline fire on the offline->online
// transition.
type Monitor struct {
	healthURL string
	client    *http.Client
	interval  time.Duration

	mu       sync.Mutex
	online   bool
	known    bool
	onOnline []func()
}

// NewMonitor creates a monitor probing healthURL every interval
func NewMonitor(healthURL string, interval time.Duration, timeout time.Duration) *Monitor {
	return &Monitor{
		healthURL: healthURL,
		client:    &http.Client{Timeout: timeout},
		interval:  interval,
	}
}

// OnOnline registers a callback fired when connectivity returns
func (m *Monitor) OnOnline(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOnline = append(m.onOnline, fn)
}

// IsOnline reports the last observed connectivity state
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Probe checks the server once and updates state
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		m.setOnline(false)
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		// Transport failure: unreachable. An HTTP error status still
		// proves the server answered.
		m.setOnline(false)
		return false
	}
	resp.Body.Close()
	m.setOnline(true)
	return true
}

// Run probes on the configured interval until the context is cancelled
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	known := m.known
	m.online = online
	m.known = true
	var callbacks []func()
	if online && (!known || !wasOnline) {
		callbacks = append(callbacks, m.onOnline...)
	}
	m.mu.Unlock()

	if known && wasOnline != online {
		log.Info().Bool("online", online).Msg("Connectivity changed")
	}
	for _, fn := range callbacks {
		fn()
	}
}
