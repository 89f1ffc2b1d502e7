//go:build unit

package qdl

import (
	"bytes"
	"testing"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/firehose"
	"github.com/qualcomm/qdl/pkg/sahara"
	"github.com/qualcomm/qdl/testutil"
)

func ackResponse(attrs string) []byte {
	return []byte(`<?xml version="1.0" ?><data><response value="ACK" ` + attrs + `/></data>`)
}

func TestDeviceStartsInSaharaPhase(t *testing.T) {
	pc := testutil.NewPipeChannel(channel.Config{})
	dev := Open(pc)
	testutil.AssertEqual(t, dev.Phase(), PhaseSahara, "initial phase")
	if dev.Firehose() != nil {
		t.Fatalf("expected no Firehose engine before EnterFirehose")
	}
}

func TestEnterFirehoseTransitionsPhaseExactlyOnce(t *testing.T) {
	pc := testutil.NewPipeChannel(channel.Config{})
	dev := Open(pc)

	eng1 := dev.EnterFirehose(false, true)
	testutil.AssertEqual(t, dev.Phase(), PhaseFirehose, "phase after EnterFirehose")

	eng2 := dev.EnterFirehose(false, true)
	if eng1 != eng2 {
		t.Fatalf("expected EnterFirehose to be idempotent, got distinct engines")
	}
}

func TestRunSaharaRejectedAfterFirehoseEntered(t *testing.T) {
	pc := testutil.NewPipeChannel(channel.Config{})
	dev := Open(pc)
	dev.EnterFirehose(false, true)

	_, err := dev.RunSahara(sahara.ModeImageTxPending, nil, nil, nil, true, false)
	testutil.AssertError(t, err, "expected RunSahara to refuse once in the Firehose phase")
}

func TestResetGuardFiresOnCloseWhenArmed(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 512, SendBufferSize: 512}
	pc := testutil.NewPipeChannel(cfg)
	pc.Feed(ackResponse(""))

	dev := Open(pc)
	dev.EnterFirehose(false, true)

	guard := NewResetGuard(dev, firehose.ResetModeEDL, 0)
	guard.Close()

	if !bytes.Contains(pc.Sent(), []byte(`<power value="edl"`)) {
		t.Fatalf("expected a reset request on the wire when the guard fires, got %q", pc.Sent())
	}
}

func TestResetGuardDisarmPreventsSecondReset(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 512, SendBufferSize: 512}
	pc := testutil.NewPipeChannel(cfg)
	pc.Feed(ackResponse("")) // the one intentional reset below

	dev := Open(pc)
	dev.EnterFirehose(false, true)

	guard := NewResetGuard(dev, firehose.ResetModeEDL, 0)
	guard.Disarm()
	guard.Close() // must be a no-op: no response queued for it

	if err := dev.Firehose().Reset(firehose.ResetModeEDL, 0); err != nil {
		t.Fatalf("intentional reset failed: %v", err)
	}
	if c := bytes.Count(pc.Sent(), []byte("<power ")); c != 1 {
		t.Fatalf("expected exactly one <power> request on the wire, got %d", c)
	}
}

func TestResetGuardCloseIsANoOpBeforeFirehoseEntered(t *testing.T) {
	pc := testutil.NewPipeChannel(channel.Config{})
	dev := Open(pc)

	guard := NewResetGuard(dev, firehose.ResetModeEDL, 0)
	guard.Close() // no Firehose engine yet; must not panic or touch the wire

	if len(pc.Sent()) != 0 {
		t.Fatalf("expected no traffic before Firehose phase, got %q", pc.Sent())
	}
}
