// Package registry keeps the latest known status of every configured device.
// Readers always get a copy; writers notify subscribers with a coalesced
// signal so a slow SSE consumer never blocks the poll loop.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"minerwatt/internal/pricing"
	"minerwatt/internal/stats"
)

// DeviceStatus is one device's most recent poll outcome. Telemetry and
// Economics are nil until the first successful cycle; LastError keeps the
// previous good sample alongside the failure that followed it.
type DeviceStatus struct {
	Address   string           `json:"address"`
	Name      string           `json:"name,omitempty"`
	Profile   string           `json:"profile,omitempty"`
	Online    bool             `json:"online"`
	FirstSeen time.Time        `json:"first_seen"`
	UpdatedAt time.Time        `json:"updated_at"`
	Telemetry *stats.Snapshot  `json:"telemetry,omitempty"`
	Economics *pricing.Result  `json:"economics,omitempty"`
	LastError string           `json:"last_error,omitempty"`
}

type Store struct {
	mu        sync.RWMutex
	byAddress map[string]*DeviceStatus

	subMu sync.Mutex
	subs  map[int64]chan struct{}
	subID atomic.Int64
}

func NewStore() *Store {
	return &Store{
		byAddress: map[string]*DeviceStatus{},
		subs:      map[int64]chan struct{}{},
	}
}

// RecordPoll stores a successful cycle's telemetry and economics.
func (s *Store) RecordPoll(addr, name string, snap *stats.Snapshot, econ *pricing.Result, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.upsertLocked(addr, name, now)
	d.Online = true
	d.Telemetry = snap
	d.Economics = econ
	d.LastError = ""
	d.UpdatedAt = now

	s.notifyLocked()
}

// RecordFailure marks the device offline without discarding the last good
// telemetry.
func (s *Store) RecordFailure(addr, name string, err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.upsertLocked(addr, name, now)
	d.Online = false
	d.LastError = err.Error()
	d.UpdatedAt = now

	s.notifyLocked()
}

// SetProfile records the last profile requested for the device.
func (s *Store) SetProfile(addr, profile string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byAddress[addr]
	if !ok {
		return
	}
	d.Profile = profile
	s.notifyLocked()
}

func (s *Store) upsertLocked(addr, name string, now time.Time) *DeviceStatus {
	d := s.byAddress[addr]
	if d == nil {
		d = &DeviceStatus{Address: addr, FirstSeen: now}
		s.byAddress[addr] = d
	}
	if name != "" {
		d.Name = name
	}
	return d
}

// Get returns a copy of one device's status.
func (s *Store) Get(addr string) (DeviceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byAddress[addr]
	if !ok {
		return DeviceStatus{}, false
	}
	return *d, true
}

// List returns copies of every status, sorted by address for stable output.
func (s *Store) List() []*DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*DeviceStatus, 0, len(s.byAddress))
	for _, d := range s.byAddress {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Subscribe emits a signal (coalesced) when the store changes.
func (s *Store) Subscribe(ctx context.Context) <-chan struct{} {
	id := s.subID.Add(1)
	ch := make(chan struct{}, 1)

	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, id)
		close(ch)
		s.subMu.Unlock()
	}()

	return ch
}

func (s *Store) notifyLocked() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
			// drop (coalesce)
		}
	}
}
