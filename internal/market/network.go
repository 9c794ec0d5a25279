package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NetworkRefreshInterval: difficulty moves every two weeks, hashrate drifts
// continuously; 10 minutes is plenty.
const NetworkRefreshInterval = 10 * time.Minute

const defaultNetworkBaseURL = "https://mempool.space"

// Chain constants the yield model derives from.
const (
	BlocksPerDay   = 144
	BlockRewardBTC = 3.125
)

// NetworkStats is the global network view used by the yield model.
type NetworkStats struct {
	Difficulty  float64 `json:"difficulty"`
	HashrateTHS float64 `json:"hashrate_ths"`
	BlockHeight int64   `json:"block_height"`
}

type NetworkFetcher struct {
	http    *http.Client
	log     *zap.Logger
	baseURL string
	cache   cache[NetworkStats]
}

func NewNetworkFetcher(log *zap.Logger) *NetworkFetcher {
	return &NetworkFetcher{
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
		baseURL: defaultNetworkBaseURL,
	}
}

func (f *NetworkFetcher) Name() string            { return "network" }
func (f *NetworkFetcher) Interval() time.Duration { return NetworkRefreshInterval }

func (f *NetworkFetcher) SetBaseURL(u string) { f.baseURL = strings.TrimRight(u, "/") }

type hashrateDoc struct {
	CurrentHashrate   float64 `json:"currentHashrate"`
	CurrentDifficulty float64 `json:"currentDifficulty"`
}

func (f *NetworkFetcher) Refresh(ctx context.Context) error {
	var doc hashrateDoc
	if err := f.getJSON(ctx, "/api/v1/mining/hashrate/3d", &doc); err != nil {
		f.log.Warn("network stats fetch failed", zap.Error(err))
		return err
	}
	if doc.CurrentHashrate <= 0 {
		return fmt.Errorf("network fetch: zero hashrate")
	}

	stats := NetworkStats{
		Difficulty: doc.CurrentDifficulty,
		// reported in H/s
		HashrateTHS: doc.CurrentHashrate / 1e12,
	}

	var height int64
	if err := f.getJSON(ctx, "/api/blocks/tip/height", &height); err == nil {
		stats.BlockHeight = height
	}

	f.cache.set(stats, time.Now().UTC())
	f.log.Info("network stats refreshed",
		zap.Float64("hashrate_ths", stats.HashrateTHS),
		zap.Int64("height", stats.BlockHeight),
	)
	return nil
}

func (f *NetworkFetcher) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.Unmarshal(b, out)
}

func (f *NetworkFetcher) Cached() (NetworkStats, time.Time, bool) {
	return f.cache.get()
}
