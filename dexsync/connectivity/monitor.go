// Package connectivity produces the live online/offline signal consumed by
// the synchronizer.
package connectivity

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"dexsync/dexsync/config"
)

// Monitor reports whether the device currently has network connectivity.
// IsConnectedNow is a sampled read; Subscribe delivers a value on every
// online/offline transition.
type Monitor interface {
	IsConnectedNow() bool
	Subscribe(ctx context.Context) <-chan bool
}

// ProbeMonitor dials a well-known address on an interval and keeps the last
// result. IPv4 is preferred with an IPv6 fallback.
type ProbeMonitor struct {
	addr     string
	interval time.Duration
	online   atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]chan bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewProbeMonitor(addr string, interval time.Duration) *ProbeMonitor {
	if addr == "" {
		addr = "1.1.1.1:443"
	}
	if interval <= 0 {
		interval = config.ConnectivityProbeInterval
	}
	return &ProbeMonitor{
		addr:     addr,
		interval: interval,
		subs:     make(map[int]chan bool),
	}
}

// Start begins probing. The first probe runs synchronously so callers see a
// real value immediately after Start returns.
func (m *ProbeMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.online.Store(m.probe())

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				now := m.probe()
				was := m.online.Swap(now)
				if was != now {
					slog.Info("Connectivity changed",
						slog.String("type", "net"),
						slog.Bool("online", now))
					m.broadcast(now)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *ProbeMonitor) Close() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *ProbeMonitor) IsConnectedNow() bool {
	return m.online.Load()
}

func (m *ProbeMonitor) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		// broadcast only sends to registered channels under mu, so no
		// send can race the close
		close(ch)
	}()

	return ch
}

func (m *ProbeMonitor) probe() bool {
	// Prefer IPv4, then fall back to IPv6
	if conn, err := net.DialTimeout("tcp4", m.addr, config.NetworkDialTimeout); err == nil {
		conn.Close()
		return true
	}
	conn, err := net.DialTimeout("tcp6", m.addr, config.NetworkDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (m *ProbeMonitor) broadcast(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
		}
	}
}

// StaticMonitor is a manually driven monitor for tests and forced-offline
// mode. SetOnline flips the state and notifies subscribers on transitions.
type StaticMonitor struct {
	online atomic.Bool

	mu     sync.Mutex
	nextID int
	subs   map[int]chan bool
}

func NewStaticMonitor(online bool) *StaticMonitor {
	m := &StaticMonitor{subs: make(map[int]chan bool)}
	m.online.Store(online)
	return m
}

func (m *StaticMonitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
		}
	}
}

func (m *StaticMonitor) IsConnectedNow() bool { return m.online.Load() }

func (m *StaticMonitor) Subscribe(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
		close(ch)
	}()

	return ch
}
