// Package control issues best-effort power-profile commands. The device
// protocol does not reliably acknowledge state changes, so the write path
// never returns an error: the outcome distinguishes "applied", "sent but
// unverified" and "could not even send".
package control

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"minerwatt/internal/minerapi"
)

// Outcome of one profile write.
type Outcome string

const (
	// Confirmed: the firmware replied with a success status frame.
	Confirmed Outcome = "confirmed"
	// SentUnconfirmed: the command went out but the reply was missing,
	// malformed, or non-committal.
	SentUnconfirmed Outcome = "sent_unconfirmed"
	// Failed: the command never reached the device.
	Failed Outcome = "failed"
)

// Profile is one member of the configured control-profile set.
type Profile struct {
	Name        string `json:"name"`
	TargetWatts int    `json:"target_watts"`
}

// Profiles is the supported set, lowest draw first.
var Profiles = []Profile{
	{Name: "sleep", TargetWatts: 0},
	{Name: "eco", TargetWatts: 2400},
	{Name: "normal", TargetWatts: 3250},
	{Name: "turbo", TargetWatts: 3600},
}

// Lookup resolves a profile by name, case-insensitively.
func Lookup(name string) (Profile, bool) {
	for _, p := range Profiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Profile{}, false
}

// Result is what the API surface reports back.
type Result struct {
	Outcome     Outcome `json:"outcome"`
	Profile     string  `json:"profile"`
	TargetWatts int     `json:"target_watts"`
	Detail      string  `json:"detail,omitempty"`
}

// Applier sends profile changes over the device protocol.
type Applier struct {
	miner *minerapi.Client
	log   *zap.Logger
}

func NewApplier(miner *minerapi.Client, log *zap.Logger) *Applier {
	return &Applier{miner: miner, log: log}
}

// Apply is fire-and-forget: an unknown profile is the only input rejection,
// everything on the wire degrades to an Outcome instead of an error.
func (a *Applier) Apply(ctx context.Context, address, profileName string) Result {
	p, ok := Lookup(profileName)
	if !ok {
		return Result{Outcome: Failed, Profile: profileName, Detail: "unknown profile"}
	}

	cmd := minerapi.WithParameter("ascset", fmt.Sprintf("0,power,%d", p.TargetWatts))
	if p.TargetWatts == 0 {
		cmd = minerapi.WithParameter("ascset", "0,sleep,on")
	}

	reply, err := a.miner.Send(ctx, address, cmd)
	if err != nil {
		if minerapi.IsConnection(err) {
			a.log.Warn("profile write failed", zap.String("address", address), zap.Error(err))
			return Result{Outcome: Failed, Profile: p.Name, TargetWatts: p.TargetWatts, Detail: err.Error()}
		}
		// Timed out or garbled after the write: the device may well have
		// applied it anyway.
		a.log.Info("profile write unconfirmed", zap.String("address", address), zap.Error(err))
		return Result{Outcome: SentUnconfirmed, Profile: p.Name, TargetWatts: p.TargetWatts, Detail: err.Error()}
	}

	if statusOK(reply) {
		a.log.Info("profile applied", zap.String("address", address), zap.String("profile", p.Name))
		return Result{Outcome: Confirmed, Profile: p.Name, TargetWatts: p.TargetWatts}
	}
	return Result{Outcome: SentUnconfirmed, Profile: p.Name, TargetWatts: p.TargetWatts, Detail: "no success status in reply"}
}

// statusOK looks for the protocol's STATUS:"S" success frame.
func statusOK(reply minerapi.Reply) bool {
	for _, st := range reply.Section("STATUS") {
		if s, ok := st["STATUS"].(string); ok && strings.EqualFold(s, "S") {
			return true
		}
	}
	return false
}
