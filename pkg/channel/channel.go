// Package channel implements the byte-stream transports the Sahara and
// Firehose engines speak over: USB bulk endpoints on a device in Emergency
// Download mode, or a raw UART fallback. It decouples framing (Sahara's
// packets, Firehose's XML) from the underlying transport.
package channel

import (
	"strings"
	"time"

	"github.com/qualcomm/qdl/pkg/qdlerr"
)

// StorageType identifies the storage medium Firehose is asked to program.
type StorageType int

const (
	StorageEMMC StorageType = iota
	StorageUFS
	StorageNVMe
	StorageNAND
)

// String returns the Firehose MemoryName value for the storage type.
func (s StorageType) String() string {
	switch s {
	case StorageEMMC:
		return "emmc"
	case StorageUFS:
		return "ufs"
	case StorageNVMe:
		return "nvme"
	case StorageNAND:
		return "nand"
	default:
		return "unknown"
	}
}

// ParseStorageType validates s as one of the known Firehose MemoryName
// values.
func ParseStorageType(s string) (StorageType, error) {
	switch strings.ToLower(s) {
	case "emmc":
		return StorageEMMC, nil
	case "ufs":
		return StorageUFS, nil
	case "nvme":
		return StorageNVMe, nil
	case "nand":
		return StorageNAND, nil
	default:
		return 0, qdlerr.New(qdlerr.KindDomainUnknownDirective, "unknown storage type "+s)
	}
}

// Config holds the negotiated Firehose parameters for a session. Initial
// values come from the caller; SendBufferSize and XMLBufSize are overwritten
// during the Firehose <configure> handshake.
type Config struct {
	StorageType       StorageType
	StorageSectorSize int
	StorageSlot       uint8
	SendBufferSize    int
	XMLBufSize        int
	HashPackets       bool
	ReadBackVerify    bool
	BypassStorage     bool
	SkipFirehoseLog   bool
	VerboseFirehose   bool
}

// DefaultSendBufferSize is the payload size advertised before any
// <configure> handshake has taken place.
const DefaultSendBufferSize = 1 << 20 // 1 MiB, matches the <configure> default

// DefaultSectorSize returns a storage type's conventional sector size, or 0
// if the caller must supply one explicitly.
func DefaultSectorSize(s StorageType) int {
	switch s {
	case StorageEMMC, StorageNAND:
		return 512
	case StorageUFS, StorageNVMe:
		return 4096
	default:
		return 0
	}
}

// IOTimeout is the blocking timeout applied to every USB bulk transfer, per
// the transport's EDL protocol. Serial transport relies on the OS default
// and does not apply this value.
const IOTimeout = 10 * time.Second

// readAheadSize is the size of the internal read-ahead buffer backing
// FillBuf/Consume, sized for line/element-oriented Firehose XML reads.
const readAheadSize = 4096

// Channel is the byte-oriented transport interface the Sahara and Firehose
// engines are built against. Implementations are USB (bulk in/out) or
// serial (raw UART).
type Channel interface {
	// Read drains the read-ahead buffer first, then issues one transport
	// read if empty.
	Read(p []byte) (int, error)
	// Write issues one transport write. Short writes are returned to the
	// caller, who is responsible for retrying (the engines always do).
	Write(p []byte) (int, error)
	// FillBuf returns the unconsumed read-ahead buffer, refilling it with
	// one transport read if empty.
	FillBuf() ([]byte, error)
	// Consume advances the read-ahead buffer by n bytes.
	Consume(n int)
	// Config returns the channel's Firehose configuration, mutable in
	// place by the Firehose <configure> response parser.
	Config() *Config
	// Close releases the underlying transport.
	Close() error
}

// readAhead implements the FillBuf/Consume pair shared by every transport,
// backed by one underlying blocking read call.
type readAhead struct {
	buf  []byte
	pos  int
	cap  int
	read func([]byte) (int, error)
}

func newReadAhead(read func([]byte) (int, error)) *readAhead {
	return &readAhead{buf: make([]byte, readAheadSize), read: read}
}

func (r *readAhead) fillBuf() ([]byte, error) {
	if r.pos >= r.cap {
		r.pos, r.cap = 0, 0
		n, err := r.read(r.buf)
		if err != nil {
			return nil, err
		}
		r.cap = n
	}
	return r.buf[r.pos:r.cap], nil
}

func (r *readAhead) consume(n int) {
	r.pos += n
	if r.pos > r.cap {
		r.pos = r.cap
	}
}

func (r *readAhead) readOut(p []byte) (int, error) {
	if r.pos < r.cap {
		n := copy(p, r.buf[r.pos:r.cap])
		r.pos += n
		return n, nil
	}
	return r.read(p)
}
