package channel

import (
	"github.com/pkg/term"

	"github.com/qualcomm/qdl/pkg/qdlerr"
)

const serialBaudRate = 115200

// SerialChannel is a Channel backed by a raw UART, the fallback transport
// for boards without a USB Sahara/Firehose interface.
type SerialChannel struct {
	t      *term.Term
	ra     *readAhead
	fhConf Config
}

// OpenSerial opens path at 115200 8N1, raw mode, no flow control.
func OpenSerial(path string) (*SerialChannel, error) {
	if path == "" {
		return nil, qdlerr.New(qdlerr.KindHostIO, "serial port path unspecified")
	}

	t, err := term.Open(path, term.Speed(serialBaudRate), term.RawMode)
	if err != nil {
		return nil, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "opening serial port "+path, err)
	}

	s := &SerialChannel{t: t}
	s.ra = newReadAhead(s.rawRead)
	return s, nil
}

func (s *SerialChannel) rawRead(p []byte) (int, error) {
	n, err := s.t.Read(p)
	if err != nil {
		return n, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "serial read", err)
	}
	return n, nil
}

// Read drains the read-ahead buffer first, then reads directly from the
// serial port.
func (s *SerialChannel) Read(p []byte) (int, error) { return s.ra.readOut(p) }

// Write writes directly to the serial port. The OS's own buffering governs
// any timeout; the protocol spec does not define one for serial.
func (s *SerialChannel) Write(p []byte) (int, error) {
	n, err := s.t.Write(p)
	if err != nil {
		return n, qdlerr.Wrap(qdlerr.KindTransportDisconnected, "serial write", err)
	}
	return n, nil
}

func (s *SerialChannel) FillBuf() ([]byte, error) { return s.ra.fillBuf() }
func (s *SerialChannel) Consume(n int)            { s.ra.consume(n) }
func (s *SerialChannel) Config() *Config          { return &s.fhConf }

// Close flushes and closes the underlying serial port.
func (s *SerialChannel) Close() error {
	_ = s.t.Flush()
	return s.t.Close()
}
