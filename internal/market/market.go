package market

import "time"

// Snapshot bundles the latest cached view of all three sources for the API
// surface. Each section carries its fetch time so consumers can judge age.
type Snapshot struct {
	Price       *PriceDay      `json:"price,omitempty"`
	PriceAt     time.Time      `json:"price_at,omitempty"`
	Exchange    *ExchangeRates `json:"exchange,omitempty"`
	ExchangeAt  time.Time      `json:"exchange_at,omitempty"`
	Network     *NetworkStats  `json:"network,omitempty"`
	NetworkAt   time.Time      `json:"network_at,omitempty"`
	BlocksPerDay int           `json:"blocks_per_day"`
	BlockReward  float64       `json:"block_reward"`
}

// Data owns the three fetchers as one unit.
type Data struct {
	Price    *PriceFetcher
	Exchange *ExchangeFetcher
	Network  *NetworkFetcher
}

// Snapshot assembles the latest cached values. Sections that never fetched
// successfully stay nil; once a section is populated it never reverts.
func (d *Data) Snapshot() Snapshot {
	s := Snapshot{BlocksPerDay: BlocksPerDay, BlockReward: BlockRewardBTC}
	if v, at, ok := d.Price.Cached(); ok {
		s.Price = &v
		s.PriceAt = at
	}
	if v, at, ok := d.Exchange.Cached(); ok {
		s.Exchange = &v
		s.ExchangeAt = at
	}
	if v, at, ok := d.Network.Cached(); ok {
		s.Network = &v
		s.NetworkAt = at
	}
	return s
}
