// Package sahara implements the stage-1 Sahara protocol: a packet-framed
// state machine that negotiates a mode with the device, streams one or
// more signed images in chunks demanded by the device, and optionally
// issues command-mode queries and memory-debug region dumps.
package sahara

import (
	"encoding/binary"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/qdlerr"
)

// Command identifies a Sahara packet's command_id field.
type Command uint32

const (
	CmdHello                  Command = 0x01
	CmdHelloResponse          Command = 0x02
	CmdReadData               Command = 0x03
	CmdEndImageTransfer       Command = 0x04
	CmdDone                   Command = 0x05
	CmdDoneResponse           Command = 0x06
	CmdReset                  Command = 0x07
	CmdResetResponse          Command = 0x08
	CmdMemoryDebug            Command = 0x09
	CmdMemoryRead             Command = 0x0A
	CmdCommandReady           Command = 0x0B
	CmdCommandSwitchMode      Command = 0x0C
	CmdCommandExecute         Command = 0x0D
	CmdCommandExecuteResponse Command = 0x0E
	CmdCommandExecuteData     Command = 0x0F
	CmdReadData64             Command = 0x12
	CmdMemoryDebug64          Command = 0x13
	CmdMemoryRead64           Command = 0x14
)

// Mode identifies the Sahara session mode, carried in the HELLO/HELLO_RSP
// packets and in CMD_SWITCH.
type Mode uint32

const (
	ModeImageTxPending  Mode = 0
	ModeImageTxComplete Mode = 1
	ModeMemoryDebug     Mode = 2
	ModeCommand         Mode = 3
	// ModeWaitingForImage is an alias for ModeImageTxPending used by callers
	// that want to stream a loader image.
	ModeWaitingForImage = ModeImageTxPending
)

// CmdModeCmd identifies a Command-mode sub-command issued via CMD_SWITCH.
type CmdModeCmd uint32

const (
	CmdModeReadSerialNum  CmdModeCmd = 0x01
	CmdModeReadOemKeyHash CmdModeCmd = 0x02
)

const packetHeaderSize = 8

// packetHeader is the fixed 8-byte prefix of every Sahara packet:
// (command_id u32 LE, length u32 LE), length counting the header itself.
type packetHeader struct {
	Command Command
	Length  uint32
}

func (h packetHeader) marshal() []byte {
	buf := make([]byte, packetHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	return buf
}

// helloPayload is the HELLO/HELLO_RSP packet body following the 8-byte
// header: version, compatible version, a peer-advertised max command
// packet length, the negotiated mode, and six reserved dwords.
type helloPayload struct {
	Version            uint32
	VersionCompatible  uint32
	MaxCmdPacketLength uint32
	Mode               Mode
	Reserved           [6]uint32
}

const helloPayloadSize = 4*4 + 6*4

func (h helloPayload) marshal() []byte {
	buf := make([]byte, helloPayloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Version)
	binary.LittleEndian.PutUint32(buf[4:8], h.VersionCompatible)
	binary.LittleEndian.PutUint32(buf[8:12], h.MaxCmdPacketLength)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Mode))
	for i, r := range h.Reserved {
		binary.LittleEndian.PutUint32(buf[16+i*4:20+i*4], r)
	}
	return buf
}

func unmarshalHello(payload []byte) (helloPayload, error) {
	var h helloPayload
	if len(payload) < helloPayloadSize {
		return h, qdlerr.New(qdlerr.KindFramingMalformed, "HELLO payload too short")
	}
	h.Version = binary.LittleEndian.Uint32(payload[0:4])
	h.VersionCompatible = binary.LittleEndian.Uint32(payload[4:8])
	h.MaxCmdPacketLength = binary.LittleEndian.Uint32(payload[8:12])
	h.Mode = Mode(binary.LittleEndian.Uint32(payload[12:16]))
	for i := range h.Reserved {
		h.Reserved[i] = binary.LittleEndian.Uint32(payload[16+i*4 : 20+i*4])
	}
	return h, nil
}

// readDataPayload is the READ_DATA/READ_DATA_64 request body: the device
// asks the host for length bytes of image imageID at the given offset.
type readDataPayload struct {
	ImageID uint64
	Offset  uint64
	Length  uint64
}

func unmarshalReadData(payload []byte, wide bool) (readDataPayload, error) {
	var r readDataPayload
	if wide {
		if len(payload) < 24 {
			return r, qdlerr.New(qdlerr.KindFramingMalformed, "READ_DATA_64 payload too short")
		}
		r.ImageID = binary.LittleEndian.Uint64(payload[0:8])
		r.Offset = binary.LittleEndian.Uint64(payload[8:16])
		r.Length = binary.LittleEndian.Uint64(payload[16:24])
		return r, nil
	}
	if len(payload) < 12 {
		return r, qdlerr.New(qdlerr.KindFramingMalformed, "READ_DATA payload too short")
	}
	r.ImageID = uint64(binary.LittleEndian.Uint32(payload[0:4]))
	r.Offset = uint64(binary.LittleEndian.Uint32(payload[4:8]))
	r.Length = uint64(binary.LittleEndian.Uint32(payload[8:12]))
	return r, nil
}

// endImageTransferPayload reports the final status of an image's transfer.
type endImageTransferPayload struct {
	ImageID uint32
	Status  uint32
}

func unmarshalEndImageTransfer(payload []byte) (endImageTransferPayload, error) {
	var e endImageTransferPayload
	if len(payload) < 8 {
		return e, qdlerr.New(qdlerr.KindFramingMalformed, "END_IMG_XFER payload too short")
	}
	e.ImageID = binary.LittleEndian.Uint32(payload[0:4])
	e.Status = binary.LittleEndian.Uint32(payload[4:8])
	return e, nil
}

func marshalDone() []byte { return nil }

// doneResponsePayload reports whether more images are expected.
type doneResponsePayload struct {
	ImageTxStatus uint32
}

func unmarshalDoneResponse(payload []byte) (doneResponsePayload, error) {
	var d doneResponsePayload
	if len(payload) < 4 {
		return d, qdlerr.New(qdlerr.KindFramingMalformed, "DONE_RSP payload too short")
	}
	d.ImageTxStatus = binary.LittleEndian.Uint32(payload[0:4])
	return d, nil
}

// cmdSwitchPayload requests a Command-mode sub-command.
type cmdSwitchPayload struct {
	Cmd            CmdModeCmd
	ClientCmdArg   uint32
}

func (c cmdSwitchPayload) marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], c.ClientCmdArg)
	return buf
}

// cmdExecPayload reports the length of data the device will return for a
// Command-mode sub-command.
type cmdExecPayload struct {
	Cmd        CmdModeCmd
	DataLength uint32
}

func unmarshalCmdExec(payload []byte) (cmdExecPayload, error) {
	var c cmdExecPayload
	if len(payload) < 8 {
		return c, qdlerr.New(qdlerr.KindFramingMalformed, "CMD_EXEC payload too short")
	}
	c.Cmd = CmdModeCmd(binary.LittleEndian.Uint32(payload[0:4]))
	c.DataLength = binary.LittleEndian.Uint32(payload[4:8])
	return c, nil
}

// cmdExecDataPayload requests the device send the CMD_EXEC data for cmd.
type cmdExecDataPayload struct {
	Cmd CmdModeCmd
}

func (c cmdExecDataPayload) marshal() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Cmd))
	return buf
}

// memDebugPayload gives the address/length of a memory table the device
// will hand over, one table entry describing (name, address, length)
// triples.
type memDebugPayload struct {
	TableAddress uint64
	TableLength  uint64
}

func unmarshalMemDebug(payload []byte, wide bool) (memDebugPayload, error) {
	var m memDebugPayload
	if wide {
		if len(payload) < 16 {
			return m, qdlerr.New(qdlerr.KindFramingMalformed, "MEM_DEBUG64 payload too short")
		}
		m.TableAddress = binary.LittleEndian.Uint64(payload[0:8])
		m.TableLength = binary.LittleEndian.Uint64(payload[8:16])
		return m, nil
	}
	if len(payload) < 8 {
		return m, qdlerr.New(qdlerr.KindFramingMalformed, "MEM_DEBUG payload too short")
	}
	m.TableAddress = uint64(binary.LittleEndian.Uint32(payload[0:4]))
	m.TableLength = uint64(binary.LittleEndian.Uint32(payload[4:8]))
	return m, nil
}

// memDebugRegion is one (name, address, length) triple from the memory
// debug table.
type memDebugRegion struct {
	Name    string
	Address uint64
	Length  uint64
}

const memDebugRegionRecordSize = 20 + 8 + 8 // 20-byte name + addr + length

func parseMemDebugTable(raw []byte, wide bool) []memDebugRegion {
	recSize := memDebugRegionRecordSize
	if !wide {
		recSize = 20 + 4 + 4
	}
	var regions []memDebugRegion
	for off := 0; off+recSize <= len(raw); off += recSize {
		name := string(raw[off : off+20])
		if i := indexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		var addr, length uint64
		if wide {
			addr = binary.LittleEndian.Uint64(raw[off+20 : off+28])
			length = binary.LittleEndian.Uint64(raw[off+28 : off+36])
		} else {
			addr = uint64(binary.LittleEndian.Uint32(raw[off+20 : off+24]))
			length = uint64(binary.LittleEndian.Uint32(raw[off+24 : off+28]))
		}
		regions = append(regions, memDebugRegion{Name: name, Address: addr, Length: length})
	}
	return regions
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// memDebugReadPayload requests a memory-debug region by address/length.
type memDebugReadPayload struct {
	Address uint64
	Length  uint64
}

func (m memDebugReadPayload) marshal(wide bool) []byte {
	if wide {
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], m.Address)
		binary.LittleEndian.PutUint64(buf[8:16], m.Length)
		return buf
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Address))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Length))
	return buf
}

// marshalReset builds the RESET packet body, which carries no fields.
func marshalReset() []byte { return nil }

// readPacket reads one Sahara packet's header and payload from ch, draining
// the channel's read-ahead buffer via FillBuf/Consume.
func readPacket(ch channel.Channel) (Command, []byte, error) {
	header := make([]byte, packetHeaderSize)
	if err := readFull(ch, header); err != nil {
		return 0, nil, err
	}
	cmd := Command(binary.LittleEndian.Uint32(header[0:4]))
	length := binary.LittleEndian.Uint32(header[4:8])
	if length < packetHeaderSize {
		return 0, nil, qdlerr.New(qdlerr.KindFramingMalformed, "Sahara packet length shorter than header")
	}
	payload := make([]byte, length-packetHeaderSize)
	if len(payload) > 0 {
		if err := readFull(ch, payload); err != nil {
			return 0, nil, err
		}
	}
	return cmd, payload, nil
}

// writePacket frames command and payload as one Sahara packet and writes it
// to ch in a single logical write, retrying on short writes.
func writePacket(ch channel.Channel, cmd Command, payload []byte) error {
	h := packetHeader{Command: cmd, Length: uint32(packetHeaderSize + len(payload))}
	buf := append(h.marshal(), payload...)
	return writeFull(ch, buf)
}

func readFull(ch channel.Channel, buf []byte) error {
	got := 0
	for got < len(buf) {
		chunk, err := ch.FillBuf()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return qdlerr.New(qdlerr.KindFramingTruncated, "channel closed mid-packet")
		}
		n := copy(buf[got:], chunk)
		ch.Consume(n)
		got += n
	}
	return nil
}

func writeFull(ch channel.Channel, buf []byte) error {
	for len(buf) > 0 {
		n, err := ch.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return qdlerr.New(qdlerr.KindShortIO, "zero-length Sahara write")
		}
		buf = buf[n:]
	}
	return nil
}

// writeImageChunk streams exactly length bytes of image[offset:offset+length]
// onto the channel, retrying on short writes; a read past the end of image
// is fatal (it would under-deliver to the device).
func writeImageChunk(ch channel.Channel, image []byte, offset, length uint64) error {
	if offset+length > uint64(len(image)) {
		return qdlerr.New(qdlerr.KindDomainTooLarge, "READ_DATA request exceeds image bounds")
	}
	return writeFull(ch, image[offset:offset+length])
}
