// Package testutil provides fakes and assertion helpers shared by the
// Sahara, Firehose, program-file, GPT, VIP, and device-handle package tests.
package testutil

import (
	"bytes"
	"sync"

	"github.com/qualcomm/qdl/pkg/channel"
)

// PipeChannel is a channel.Channel backed by in-memory byte queues: bytes
// the engine writes land in Sent, and bytes queued via Feed are handed back
// by Read/FillBuf as if a device had produced them. It stands in for a USB
// or serial transport in every engine-level test, the same role
// FakeDevice played for the hardware driver it was adapted from.
type PipeChannel struct {
	mu   sync.Mutex
	sent bytes.Buffer
	in   bytes.Buffer
	cfg  channel.Config

	pos, cap int
	buf      []byte
}

// NewPipeChannel creates a PipeChannel with the given initial configuration.
func NewPipeChannel(cfg channel.Config) *PipeChannel {
	return &PipeChannel{cfg: cfg, buf: make([]byte, 4096)}
}

// Feed queues bytes to be returned by subsequent Read/FillBuf calls, as if
// the simulated device had transmitted them.
func (p *PipeChannel) Feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.in.Write(b)
}

// Sent returns every byte written to the channel so far.
func (p *PipeChannel) Sent() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.sent.Bytes()...)
}

// Write appends to Sent, as a bulk OUT transfer would.
func (p *PipeChannel) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent.Write(b)
}

// Read drains the read-ahead buffer first, then the queued input.
func (p *PipeChannel) Read(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos < p.cap {
		n := copy(out, p.buf[p.pos:p.cap])
		p.pos += n
		return n, nil
	}
	return p.in.Read(out)
}

// FillBuf refills the read-ahead buffer from queued input if empty, and
// returns the unconsumed portion.
func (p *PipeChannel) FillBuf() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pos >= p.cap {
		p.pos, p.cap = 0, 0
		n, err := p.in.Read(p.buf)
		if err != nil {
			return nil, err
		}
		p.cap = n
	}
	return p.buf[p.pos:p.cap], nil
}

// Consume advances the read-ahead buffer by n bytes.
func (p *PipeChannel) Consume(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pos += n
	if p.pos > p.cap {
		p.pos = p.cap
	}
}

// Config returns the pipe's Firehose configuration.
func (p *PipeChannel) Config() *channel.Config { return &p.cfg }

// Close is a no-op; PipeChannel owns no real resource.
func (p *PipeChannel) Close() error { return nil }
