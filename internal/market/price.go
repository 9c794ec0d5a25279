// Package market fetches the external economic signals (spot electricity
// price, exchange rate, network stats) behind independent last-known-good
// caches. Fetch failures are absorbed here; an unrelated upstream outage must
// never fail a poll cycle.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PriceRefreshInterval is how often the hourly curve is re-fetched. The curve
// only changes once a day, so 30 minutes is generous.
const PriceRefreshInterval = 30 * time.Minute

const defaultPriceBaseURL = "https://www.hvakosterstrommen.no"

// HourPrice is one hour of the day's curve, tax included.
type HourPrice struct {
	Start     time.Time `json:"start"`
	PerKWh    float64   `json:"per_kwh"`
	RawPerKWh float64   `json:"raw_per_kwh"` // before the zone tax multiplier
}

// PriceDay is the normalized curve for the current local day.
type PriceDay struct {
	Zone  string      `json:"zone"`
	Hours []HourPrice `json:"hours"`
	Avg   float64     `json:"avg"`
	Min   float64     `json:"min"`
	Max   float64     `json:"max"`
}

// Current returns the price for the hour containing now, falling back to the
// day average when the curve does not cover that hour.
func (d PriceDay) Current(now time.Time) float64 {
	for _, h := range d.Hours {
		if !now.Before(h.Start) && now.Before(h.Start.Add(time.Hour)) {
			return h.PerKWh
		}
	}
	return d.Avg
}

// PriceFetcher retrieves the day's hourly spot curve for one pricing zone and
// applies the zone's tax multiplier.
type PriceFetcher struct {
	http    *http.Client
	log     *zap.Logger
	mu      sync.Mutex
	zone    string
	baseURL string
	cache   cache[PriceDay]
}

func NewPriceFetcher(log *zap.Logger, zone string) *PriceFetcher {
	return &PriceFetcher{
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
		zone:    zone,
		baseURL: defaultPriceBaseURL,
	}
}

func (f *PriceFetcher) Name() string            { return "price" }
func (f *PriceFetcher) Interval() time.Duration { return PriceRefreshInterval }

// SetBaseURL points the fetcher at a test server.
func (f *PriceFetcher) SetBaseURL(u string) { f.baseURL = strings.TrimRight(u, "/") }

// SetZone switches the pricing zone. The cached curve keeps serving the old
// zone until the next refresh lands.
func (f *PriceFetcher) SetZone(zone string) {
	f.mu.Lock()
	f.zone = zone
	f.mu.Unlock()
}

// Zone returns the configured pricing zone.
func (f *PriceFetcher) Zone() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.zone
}

// taxMultiplier returns the VAT factor for a zone. The northern zone is VAT
// exempt for household power.
func taxMultiplier(zone string) float64 {
	if strings.EqualFold(zone, "NO4") {
		return 1.0
	}
	return 1.25
}

type priceHourDoc struct {
	NOKPerKWh float64 `json:"NOK_per_kWh"`
	TimeStart string  `json:"time_start"`
}

// Refresh fetches today's curve. On failure the cached day stays as-is.
func (f *PriceFetcher) Refresh(ctx context.Context) error {
	zone := f.Zone()
	now := time.Now()
	u := fmt.Sprintf("%s/api/v1/prices/%d/%02d-%02d_%s.json",
		f.baseURL, now.Year(), int(now.Month()), now.Day(), zone)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		f.log.Warn("price fetch failed", zap.String("zone", zone), zap.Error(err))
		return err
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.log.Warn("price fetch failed", zap.String("zone", zone), zap.String("status", resp.Status))
		return fmt.Errorf("price fetch: %s", resp.Status)
	}

	var doc []priceHourDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		f.log.Warn("price fetch parse failed", zap.Error(err))
		return err
	}
	if len(doc) == 0 {
		return fmt.Errorf("price fetch: empty curve")
	}

	day := PriceDay{Zone: zone}
	tax := taxMultiplier(zone)
	for _, h := range doc {
		start, err := time.Parse(time.RFC3339, h.TimeStart)
		if err != nil {
			continue
		}
		day.Hours = append(day.Hours, HourPrice{
			Start:     start,
			PerKWh:    h.NOKPerKWh * tax,
			RawPerKWh: h.NOKPerKWh,
		})
	}
	if len(day.Hours) == 0 {
		return fmt.Errorf("price fetch: no parsable hours")
	}

	day.Min = day.Hours[0].PerKWh
	day.Max = day.Hours[0].PerKWh
	var sum float64
	for _, h := range day.Hours {
		sum += h.PerKWh
		if h.PerKWh < day.Min {
			day.Min = h.PerKWh
		}
		if h.PerKWh > day.Max {
			day.Max = h.PerKWh
		}
	}
	day.Avg = sum / float64(len(day.Hours))

	f.cache.set(day, time.Now().UTC())
	f.log.Info("price curve refreshed",
		zap.String("zone", zone),
		zap.Int("hours", len(day.Hours)),
		zap.Float64("avg", day.Avg),
	)
	return nil
}

// Cached returns the last good curve and its fetch time.
func (f *PriceFetcher) Cached() (PriceDay, time.Time, bool) {
	return f.cache.get()
}
