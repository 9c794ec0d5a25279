package events

// Subject naming: <prefix>.<domain>.<name>
// Prefix is configured per deployment (e.g. "minerwatt").

const (
	DomainPoll    = "poll"
	DomainDevice  = "device"
	DomainMarket  = "market"
	DomainControl = "control"
)

const (
	PollResult = DomainPoll + ".result"

	DeviceStateUpdated = DomainDevice + ".state_updated"

	MarketUpdated = DomainMarket + ".updated"

	ControlApplied = DomainControl + ".applied"
)
