// Package qdl bundles a channel, a Sahara handoff, and a Firehose engine
// into a single device handle that a CLI command drives end to end: the
// handle starts in the Sahara phase and transitions to Firehose exactly
// once, mirroring the modal nature of the wire protocol itself.
package qdl

import (
	"log"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/firehose"
	"github.com/qualcomm/qdl/pkg/qdlerr"
	"github.com/qualcomm/qdl/pkg/sahara"
)

// Phase identifies which protocol currently owns the channel.
type Phase int

const (
	PhaseSahara Phase = iota
	PhaseFirehose
)

func (p Phase) String() string {
	if p == PhaseFirehose {
		return "firehose"
	}
	return "sahara"
}

// Device is a single handle over a channel.Channel that owns it exclusively
// for the lifetime of a session. It starts in PhaseSahara; EnterFirehose
// transitions it to PhaseFirehose exactly once, after which only the
// Firehose engine may be used.
type Device struct {
	ch    channel.Channel
	phase Phase
	fh    *firehose.Engine
}

// Open wraps an already-connected channel in a Device, in the Sahara phase.
func Open(ch channel.Channel) *Device {
	return &Device{ch: ch, phase: PhaseSahara}
}

// Phase reports which protocol currently owns the channel.
func (d *Device) Phase() Phase { return d.phase }

// Channel returns the underlying channel, valid in either phase.
func (d *Device) Channel() channel.Channel { return d.ch }

// RunSahara drives one Sahara session to completion while the device is
// still in PhaseSahara. It is an error to call this after EnterFirehose.
func (d *Device) RunSahara(mode sahara.Mode, cmdModeCmd *sahara.CmdModeCmd, images [][]byte, memDebugRegions []string, skipHelloWait, verbose bool) ([]byte, error) {
	if d.phase != PhaseSahara {
		return nil, qdlerr.New(qdlerr.KindDomainUnknownDirective, "RunSahara called after the device entered the Firehose phase")
	}
	return sahara.Run(d.ch, mode, cmdModeCmd, images, memDebugRegions, skipHelloWait, verbose)
}

// EnterFirehose transitions the device from PhaseSahara to PhaseFirehose,
// handing the channel to a new Firehose engine. It is idempotent: calling
// it again after the first transition just returns the existing engine.
func (d *Device) EnterFirehose(verbose, skipLog bool) *firehose.Engine {
	if d.fh == nil {
		d.fh = firehose.New(d.ch, verbose, skipLog)
		d.phase = PhaseFirehose
	}
	return d.fh
}

// Firehose returns the Firehose engine, or nil if EnterFirehose has not
// been called yet.
func (d *Device) Firehose() *firehose.Engine { return d.fh }

// Close releases the underlying channel.
func (d *Device) Close() error { return d.ch.Close() }

// ResetGuard arms a best-effort Firehose reset that fires when the guard
// goes out of scope, unless Disarm was called first. A caller wraps a
// session in this pattern: arm it right after the Sahara→Firehose handoff,
// run the requested operation, then Disarm and issue the one intended reset
// itself so teardown never double-resets the device.
//
//	guard := qdl.NewResetGuard(dev, firehose.ResetModeEDL, 0)
//	defer guard.Close()
//	... run the requested operation ...
//	guard.Disarm()
//	return eng.Reset(mode, delay)
type ResetGuard struct {
	dev     *Device
	mode    firehose.ResetMode
	delay   int
	armed   bool
	verbose bool
}

// NewResetGuard returns an armed guard. Call Disarm before any successful,
// intentional final reset to avoid issuing two resets.
func NewResetGuard(dev *Device, mode firehose.ResetMode, delaySeconds int) *ResetGuard {
	return &ResetGuard{dev: dev, mode: mode, delay: delaySeconds, armed: true}
}

// Verbose controls whether a fired guard logs the reset it issues.
func (g *ResetGuard) Verbose(v bool) *ResetGuard {
	g.verbose = v
	return g
}

// Disarm prevents the guard from issuing a reset when it is closed.
func (g *ResetGuard) Disarm() { g.armed = false }

// Close issues the best-effort reset if the guard is still armed, ignoring
// any error: a reset-on-drop failure must never mask the real result of the
// session it was guarding.
func (g *ResetGuard) Close() {
	if !g.armed {
		return
	}
	g.armed = false
	eng := g.dev.Firehose()
	if eng == nil {
		return
	}
	if err := eng.Reset(g.mode, g.delay); err != nil && g.verbose {
		log.Printf("[qdl] reset-on-drop failed, ignoring: %v", err)
	}
}
