// Package status keeps the latest snapshot of every running test for the
// observation surfaces. Writers are the tick loop; readers are HTTP handlers,
// websocket clients and the terminal dashboard.
package status

import (
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/KevinKickass/OpenCellCycler/internal/types"
	"github.com/KevinKickass/OpenCellCycler/internal/uart"
)

// Listener is called synchronously from the tick loop and must not block.
type Listener func(types.TestStatus)

type Store struct {
	tests      *xsync.MapOf[string, types.TestStatus]
	transports *xsync.MapOf[string, *uart.Metrics]

	mu        sync.RWMutex
	listeners []Listener
}

func NewStore() *Store {
	return &Store{
		tests:      xsync.NewMapOf[string, types.TestStatus](),
		transports: xsync.NewMapOf[string, *uart.Metrics](),
	}
}

// Publish stores st as the latest snapshot of its test and notifies listeners.
func (s *Store) Publish(st types.TestStatus) {
	s.tests.Store(st.Test, st)

	s.mu.RLock()
	listeners := s.listeners
	s.mu.RUnlock()

	for _, l := range listeners {
		l(st)
	}
}

func (s *Store) Subscribe(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Store) Get(test string) (types.TestStatus, bool) {
	return s.tests.Load(test)
}

// List returns all snapshots ordered by test name.
func (s *Store) List() []types.TestStatus {
	out := make([]types.TestStatus, 0, s.tests.Size())
	s.tests.Range(func(_ string, st types.TestStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Test < out[j].Test })
	return out
}

// RegisterTransport makes the protocol counters of device visible.
func (s *Store) RegisterTransport(device string, m *uart.Metrics) {
	s.transports.Store(device, m)
}

func (s *Store) Transports() map[string]uart.MetricsSnapshot {
	out := make(map[string]uart.MetricsSnapshot, s.transports.Size())
	s.transports.Range(func(name string, m *uart.Metrics) bool {
		out[name] = m.Snapshot()
		return true
	})
	return out
}
