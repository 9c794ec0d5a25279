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

// ExchangeRefreshInterval keeps the spot asset price reasonably fresh without
// hammering the public API.
const ExchangeRefreshInterval = 5 * time.Minute

const defaultExchangeBaseURL = "https://api.coingecko.com"

// ExchangeRates is the mined asset's spot price across the supported fiat
// currencies.
type ExchangeRates struct {
	USD float64 `json:"usd"`
	EUR float64 `json:"eur"`
	NOK float64 `json:"nok"`
}

// In returns the rate for a currency code, defaulting to NOK.
func (r ExchangeRates) In(currency string) float64 {
	switch strings.ToLower(currency) {
	case "usd":
		return r.USD
	case "eur":
		return r.EUR
	default:
		return r.NOK
	}
}

type ExchangeFetcher struct {
	http    *http.Client
	log     *zap.Logger
	baseURL string
	cache   cache[ExchangeRates]
}

func NewExchangeFetcher(log *zap.Logger) *ExchangeFetcher {
	return &ExchangeFetcher{
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     log,
		baseURL: defaultExchangeBaseURL,
	}
}

func (f *ExchangeFetcher) Name() string            { return "exchange" }
func (f *ExchangeFetcher) Interval() time.Duration { return ExchangeRefreshInterval }

func (f *ExchangeFetcher) SetBaseURL(u string) { f.baseURL = strings.TrimRight(u, "/") }

func (f *ExchangeFetcher) Refresh(ctx context.Context) error {
	u := f.baseURL + "/api/v3/simple/price?ids=bitcoin&vs_currencies=usd,eur,nok"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		f.log.Warn("exchange fetch failed", zap.Error(err))
		return err
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		f.log.Warn("exchange fetch failed", zap.String("status", resp.Status))
		return fmt.Errorf("exchange fetch: %s", resp.Status)
	}

	var doc map[string]map[string]float64
	if err := json.Unmarshal(b, &doc); err != nil {
		f.log.Warn("exchange fetch parse failed", zap.Error(err))
		return err
	}
	asset, ok := doc["bitcoin"]
	if !ok || len(asset) == 0 {
		return fmt.Errorf("exchange fetch: asset missing")
	}

	rates := ExchangeRates{USD: asset["usd"], EUR: asset["eur"], NOK: asset["nok"]}
	if rates.USD <= 0 && rates.EUR <= 0 && rates.NOK <= 0 {
		return fmt.Errorf("exchange fetch: all rates zero")
	}
	f.cache.set(rates, time.Now().UTC())
	f.log.Info("exchange rates refreshed", zap.Float64("usd", rates.USD), zap.Float64("nok", rates.NOK))
	return nil
}

func (f *ExchangeFetcher) Cached() (ExchangeRates, time.Time, bool) {
	return f.cache.get()
}
