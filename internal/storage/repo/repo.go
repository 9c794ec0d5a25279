// Package repo holds the poll-history storage contract and the in-process
// implementation. A database-backed variant can replace Memory without
// touching the scheduler or the API.
package repo

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Sample is one poll cycle's durable record for one device.
type Sample struct {
	Address     string    `json:"address"`
	TakenAt     time.Time `json:"taken_at"`
	Online      bool      `json:"online"`
	HashrateTHS float64   `json:"hashrate_ths"`
	PowerW      float64   `json:"power_w"`
	ChipTempC   float64   `json:"chip_temp_c"`
	DailyProfit float64   `json:"daily_profit"`
	Error       string    `json:"error,omitempty"`
}

// History stores and serves per-device poll samples.
type History interface {
	Append(ctx context.Context, s Sample) error
	Recent(ctx context.Context, address string, limit int) ([]Sample, error)
	Addresses(ctx context.Context) ([]string, error)
}

// Memory is a bounded per-device ring. Oldest samples fall off first.
type Memory struct {
	mu       sync.RWMutex
	perDev   map[string][]Sample
	capacity int
}

// NewMemory bounds each device's history to capacity samples; capacity <= 0
// selects a day of 30-second cycles.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 2880
	}
	return &Memory{perDev: map[string][]Sample{}, capacity: capacity}
}

func (m *Memory) Append(_ context.Context, s Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ring := append(m.perDev[s.Address], s)
	if len(ring) > m.capacity {
		ring = ring[len(ring)-m.capacity:]
	}
	m.perDev[s.Address] = ring
	return nil
}

// Recent returns up to limit samples, newest first.
func (m *Memory) Recent(_ context.Context, address string, limit int) ([]Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ring := m.perDev[address]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]Sample, limit)
	for i := 0; i < limit; i++ {
		out[i] = ring[len(ring)-1-i]
	}
	return out, nil
}

// Addresses lists devices with stored history, sorted.
func (m *Memory) Addresses(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.perDev))
	for a := range m.perDev {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}
