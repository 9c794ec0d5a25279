// Package scheduler drives the periodic work: market cache refreshes on their
// own cadences plus the device poll cycle. One scheduler instance owns all
// timers; Run blocks until the context ends.
package scheduler

import (
	"context"
	"time"

	"github.com/jhump/protoreflect/dynamic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"minerwatt/internal/braiins"
	"minerwatt/internal/bus"
	"minerwatt/internal/collectors/sdk"
	"minerwatt/internal/events"
	"minerwatt/internal/market"
	"minerwatt/internal/pricing"
	"minerwatt/internal/registry"
	"minerwatt/internal/settings"
	"minerwatt/internal/stats"
	"minerwatt/internal/storage/repo"
)

type Scheduler struct {
	agg     *stats.Aggregator
	market  *market.Data
	store   *registry.Store
	history repo.History
	log     *zap.Logger

	schema  *events.Schema
	publish func() bus.Publisher // returns nil while the bus is down

	current func() settings.Settings

	// resolveCred maps a device to its decrypted GraphQL credential; nil
	// leaves the credential empty (default pairs still get tried downstream).
	resolveCred func(settings.Device) braiins.Cred
}

// SetCredResolver installs the credential lookup used for GraphQL discovery.
func (s *Scheduler) SetCredResolver(fn func(settings.Device) braiins.Cred) {
	s.resolveCred = fn
}

func New(agg *stats.Aggregator, md *market.Data, store *registry.Store, history repo.History,
	schema *events.Schema, publish func() bus.Publisher, current func() settings.Settings, log *zap.Logger) *Scheduler {
	return &Scheduler{
		agg:     agg,
		market:  md,
		store:   store,
		history: history,
		schema:  schema,
		publish: publish,
		current: current,
		log:     log,
	}
}

func (s *Scheduler) refreshers() []sdk.Refresher {
	return []sdk.Refresher{s.market.Price, s.market.Exchange, s.market.Network}
}

// Run warms the market caches, then runs every timer until ctx is done.
// Warm-up failures are logged, not fatal: devices still get polled and the
// economics sections stay empty until a refresh lands.
func (s *Scheduler) Run(ctx context.Context) error {
	s.warmUp(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range s.refreshers() {
		r := r
		g.Go(func() error {
			s.refreshLoop(ctx, r)
			return nil
		})
	}
	g.Go(func() error {
		s.pollLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Scheduler) warmUp(ctx context.Context) {
	wctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	g, wctx := errgroup.WithContext(wctx)
	for _, r := range s.refreshers() {
		r := r
		g.Go(func() error {
			if err := r.Refresh(wctx); err != nil {
				s.log.Warn("market warm-up failed", zap.String("source", r.Name()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) refreshLoop(ctx context.Context, r sdk.Refresher) {
	t := time.NewTicker(r.Interval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := r.Refresh(ctx)
			if err != nil {
				s.log.Warn("market refresh failed", zap.String("source", r.Name()), zap.Error(err))
			}
			s.publishMarketUpdated(ctx, r.Name(), err)
		}
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	interval := s.current().Poll.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	// First cycle right away rather than one interval in.
	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle polls every enabled device concurrently. Per-device failures
// degrade that device only.
func (s *Scheduler) RunCycle(ctx context.Context) {
	cfg := s.current()
	snap := s.market.Snapshot()

	g, ctx := errgroup.WithContext(ctx)
	for _, dev := range cfg.Devices {
		if !dev.Enabled {
			continue
		}
		dev := dev
		g.Go(func() error {
			s.pollDevice(ctx, cfg, snap, dev)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) pollDevice(ctx context.Context, cfg settings.Settings, msnap market.Snapshot, dev settings.Device) {
	timeout := cfg.Poll.CmdTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now().UTC()
	prev, hadPrev := s.store.Get(dev.Address)

	var cred braiins.Cred
	if s.resolveCred != nil {
		cred = s.resolveCred(dev)
	}
	snap, err := s.agg.Collect(dctx, stats.Device{Address: dev.Address, Name: dev.Name, Cred: cred})
	if err != nil {
		s.log.Warn("poll failed", zap.String("address", dev.Address), zap.Error(err))
		s.store.RecordFailure(dev.Address, dev.Name, err, now)
		_ = s.history.Append(ctx, repo.Sample{
			Address: dev.Address, TakenAt: now, Online: false, Error: err.Error(),
		})
		s.publishPollResult(ctx, dev, nil, err)
		if !hadPrev || prev.Online {
			s.publishStateUpdated(ctx, dev.Address, false, err.Error())
		}
		return
	}

	econ := s.economics(cfg, msnap, snap, now)
	s.store.RecordPoll(dev.Address, dev.Name, &snap, econ, now)

	sample := repo.Sample{
		Address:     dev.Address,
		TakenAt:     now,
		Online:      true,
		HashrateTHS: snap.HashrateTHS,
		PowerW:      snap.PowerW,
	}
	if snap.ChipTempC != nil {
		sample.ChipTempC = *snap.ChipTempC
	}
	if econ != nil {
		sample.DailyProfit = econ.DailyProfit
	}
	_ = s.history.Append(ctx, sample)

	s.publishPollResult(ctx, dev, &snap, nil)
	if !hadPrev || !prev.Online {
		s.publishStateUpdated(ctx, dev.Address, true, "")
	}
}

// economics is nil until price, exchange and network data have all landed at
// least once.
func (s *Scheduler) economics(cfg settings.Settings, msnap market.Snapshot, snap stats.Snapshot, now time.Time) *pricing.Result {
	if msnap.Price == nil || msnap.Exchange == nil || msnap.Network == nil {
		return nil
	}
	m := pricing.Market{
		SpotPerKWh:         msnap.Price.Current(now),
		AssetPrice:         msnap.Exchange.In(cfg.Pricing.Currency),
		NetworkHashrateTHS: msnap.Network.HashrateTHS,
		BlockReward:        msnap.BlockReward,
		BlocksPerDay:       msnap.BlocksPerDay,
	}
	r := pricing.Compute(cfg.Pricing, pricing.Input{HashrateTHS: snap.HashrateTHS, PowerW: snap.PowerW}, m, now)
	return &r
}

func (s *Scheduler) publishPollResult(ctx context.Context, dev settings.Device, snap *stats.Snapshot, pollErr error) {
	p := s.publisher()
	if p == nil || s.schema == nil {
		return
	}
	pr := dynamic.NewMessage(s.schema.PollResult)
	pr.SetFieldByName("address", dev.Address)
	pr.SetFieldByName("name", dev.Name)
	pr.SetFieldByName("ok", pollErr == nil)
	if pollErr != nil {
		pr.SetFieldByName("error", pollErr.Error())
	}
	if snap != nil {
		pr.SetFieldByName("hashrate_ths", snap.HashrateTHS)
		pr.SetFieldByName("power_w", snap.PowerW)
		pr.SetFieldByName("power_estimated", snap.PowerEstimated)
		if snap.ChipTempC != nil {
			pr.SetFieldByName("chip_temp_c", *snap.ChipTempC)
		}
		pr.SetFieldByName("uptime_s", snap.UptimeS)
		pr.SetFieldByName("vendor", snap.Vendor)
		pr.SetFieldByName("model", snap.Model)
	}
	env := s.schema.NewEnvelope(events.PollResult)
	env.SetFieldByName("poll_result", pr)
	s.send(ctx, p, events.PollResult, env)
}

func (s *Scheduler) publishStateUpdated(ctx context.Context, addr string, online bool, lastErr string) {
	p := s.publisher()
	if p == nil || s.schema == nil {
		return
	}
	su := dynamic.NewMessage(s.schema.DeviceStateUpdated)
	su.SetFieldByName("address", addr)
	su.SetFieldByName("online", online)
	su.SetFieldByName("last_error", lastErr)
	env := s.schema.NewEnvelope(events.DeviceStateUpdated)
	env.SetFieldByName("device_state_updated", su)
	s.send(ctx, p, events.DeviceStateUpdated, env)
}

func (s *Scheduler) publishMarketUpdated(ctx context.Context, source string, refreshErr error) {
	p := s.publisher()
	if p == nil || s.schema == nil {
		return
	}
	cfg := s.current()
	msnap := s.market.Snapshot()
	mu := dynamic.NewMessage(s.schema.MarketUpdated)
	mu.SetFieldByName("source", source)
	mu.SetFieldByName("ok", refreshErr == nil)
	mu.SetFieldByName("currency", cfg.Pricing.Currency)
	now := time.Now().UTC()
	if msnap.Price != nil {
		mu.SetFieldByName("spot_per_kwh", msnap.Price.Current(now))
	}
	if msnap.Exchange != nil {
		mu.SetFieldByName("asset_price", msnap.Exchange.In(cfg.Pricing.Currency))
	}
	if msnap.Network != nil {
		mu.SetFieldByName("network_hashrate_ths", msnap.Network.HashrateTHS)
	}
	env := s.schema.NewEnvelope(events.MarketUpdated)
	env.SetFieldByName("market_updated", mu)
	s.send(ctx, p, events.MarketUpdated, env)
}

func (s *Scheduler) publisher() bus.Publisher {
	if s.publish == nil {
		return nil
	}
	return s.publish()
}

func (s *Scheduler) send(ctx context.Context, p bus.Publisher, subject string, env *dynamic.Message) {
	b, err := events.Marshal(env)
	if err != nil {
		s.log.Warn("envelope marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.Publish(ctx, subject, b); err != nil {
		s.log.Debug("publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
