package firehose

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/qdlerr"
)

// protoVersionSupported is the highest Firehose protocol version this
// engine negotiates.
const protoVersionSupported = 1

// Status is the two-state Firehose response outcome.
type Status int

const (
	StatusAck Status = iota
	StatusNak
)

func (s Status) String() string {
	if s == StatusAck {
		return "ACK"
	}
	return "NAK"
}

// NakKind distinguishes why a NAK was fatal.
type NakKind int

const (
	NakConfigure NakKind = iota
	NakOperation
)

// NakError reports a non-recoverable NAK, carrying the response attributes
// for diagnostics.
type NakError struct {
	Kind  NakKind
	Attrs []Attr
}

func (e *NakError) Error() string {
	return fmt.Sprintf("NAK (kind=%d): %v", e.Kind, e.Attrs)
}

// ResetMode selects the device's post-session behavior. Values match the
// literal strings accepted on the command line and sent as the <power>
// value attribute.
type ResetMode string

const (
	ResetModeEDL    ResetMode = "edl"
	ResetModeOff    ResetMode = "off"
	ResetModeSystem ResetMode = "system"
	ResetModeReset  ResetMode = "reset"
)

// ParseResetMode validates s as one of the known reset modes.
func ParseResetMode(s string) (ResetMode, error) {
	switch ResetMode(strings.ToLower(s)) {
	case ResetModeEDL, ResetModeOff, ResetModeSystem, ResetModeReset:
		return ResetMode(strings.ToLower(s)), nil
	default:
		return "", qdlerr.New(qdlerr.KindDomainUnknownDirective, "unknown reset mode "+s)
	}
}

// Engine drives the Firehose protocol over a channel.Channel: it builds and
// transmits XML requests, streams payload chunks sized to the negotiated
// send buffer, and reads responses until a terminal ACK/NAK.
type Engine struct {
	ch       channel.Channel
	resp     *ResponseReader
	verbose  bool
	skipLog  bool
}

// New creates an Engine bound to ch. verbose logs request/response traffic;
// <log> elements are logged whenever skipLog is false, independent of
// verbose, and suppressed entirely when it is true.
func New(ch channel.Channel, verbose, skipLog bool) *Engine {
	return &Engine{ch: ch, resp: NewResponseReader(ch), verbose: verbose, skipLog: skipLog}
}

// Channel returns the channel the engine was built with, so callers that
// need the negotiated Firehose configuration (e.g. to validate a
// program-file's declared sector size) don't have to thread it separately.
func (e *Engine) Channel() channel.Channel { return e.ch }

func ackNakParser(elem Element) (Status, error) {
	switch elem.Value() {
	case "ACK":
		return StatusAck, nil
	case "NAK":
		return StatusNak, nil
	default:
		return 0, qdlerr.New(qdlerr.KindFramingMalformed, "expected ACK or NAK value in Firehose response")
	}
}

// readUntilTerminal skips <log> elements (optionally logging them) until a
// <response> element is seen, then hands its attributes to parser.
func (e *Engine) readUntilTerminal(parser func(Element) (Status, error)) (Status, []Attr, error) {
	for {
		elem, err := e.resp.Next()
		if err != nil {
			return 0, nil, err
		}
		switch elem.Tag {
		case "log":
			if !e.skipLog {
				log.Printf("[firehose] %s", elem.Value())
			}
			continue
		case "response":
			status, err := parser(elem)
			if err != nil {
				return 0, nil, err
			}
			if e.verbose {
				log.Printf("[firehose] response %s %v", status, elem.Attrs)
			}
			return status, elem.Attrs, nil
		default:
			continue
		}
	}
}

// transmit serializes command/attrs and writes it as one unit, followed by
// payload in send_buffer_size chunks (the last possibly short).
func (e *Engine) transmit(command string, attrs []Attr, payload []byte) error {
	if e.verbose {
		log.Printf("[firehose] -> <%s %v>", command, attrs)
	}
	if err := writeAll(e.ch, BuildRequest(command, attrs)); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	sbs := e.ch.Config().SendBufferSize
	if sbs <= 0 {
		sbs = channel.DefaultSendBufferSize
	}
	for len(payload) > 0 {
		n := sbs
		if n > len(payload) {
			n = len(payload)
		}
		if err := writeAll(e.ch, payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// streamPayload copies exactly total bytes from src to the channel in
// send_buffer_size chunks, zero-padding the tail when src runs short.
func (e *Engine) streamPayload(src io.Reader, total int) error {
	sbs := e.ch.Config().SendBufferSize
	if sbs <= 0 {
		sbs = channel.DefaultSendBufferSize
	}
	buf := make([]byte, sbs)
	remaining := total
	exhausted := false
	for remaining > 0 {
		n := sbs
		if n > remaining {
			n = remaining
		}
		chunk := buf[:n]
		if !exhausted {
			nr, err := io.ReadFull(src, chunk)
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				exhausted = true
				for i := nr; i < n; i++ {
					chunk[i] = 0
				}
			} else if err != nil {
				return qdlerr.Wrap(qdlerr.KindHostIO, "reading program source", err)
			}
		} else {
			for i := range chunk {
				chunk[i] = 0
			}
		}
		if err := writeAll(e.ch, chunk); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

func writeAll(ch channel.Channel, buf []byte) error {
	for len(buf) > 0 {
		n, err := ch.Write(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return qdlerr.New(qdlerr.KindShortIO, "zero-length Firehose write")
		}
		buf = buf[n:]
	}
	return nil
}

func attrGet(attrs []Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

func atoiAttr(attrs []Attr, name string) (int, error) {
	v, ok := attrGet(attrs, name)
	if !ok {
		return 0, qdlerr.New(qdlerr.KindFramingMalformed, "Firehose response missing attribute "+name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, qdlerr.Wrap(qdlerr.KindFramingMalformed, "parsing attribute "+name, err)
	}
	return n, nil
}

// Configure sends <configure> and absorbs the device's advertised buffer
// sizes and protocol version. On a recoverable NAK (one carrying
// MaxPayloadSizeToTargetInBytes), it lowers send_buffer_size and retries
// exactly once, matching the device's own auto-reconfiguration behavior.
func (e *Engine) Configure(skipStorageInit bool) error {
	status, attrs, err := e.configureOnce(skipStorageInit)
	if err != nil {
		return err
	}
	if status == StatusNak {
		hint, ok := attrGet(attrs, "MaxPayloadSizeToTargetInBytes")
		if !ok {
			_ = e.Reset(ResetModeEDL, 0)
			return &NakError{Kind: NakConfigure, Attrs: attrs}
		}
		n, perr := strconv.Atoi(hint)
		if perr != nil {
			return qdlerr.Wrap(qdlerr.KindFramingMalformed, "parsing MaxPayloadSizeToTargetInBytes", perr)
		}
		e.ch.Config().SendBufferSize = n
		status, attrs, err = e.configureOnce(skipStorageInit)
		if err != nil {
			return err
		}
		if status == StatusNak {
			return &NakError{Kind: NakConfigure, Attrs: attrs}
		}
	}
	return e.absorbConfigureResponse(attrs, skipStorageInit)
}

func (e *Engine) configureOnce(skipStorageInit bool) (Status, []Attr, error) {
	cfg := e.ch.Config()
	sbs := cfg.SendBufferSize
	if sbs <= 0 {
		sbs = channel.DefaultSendBufferSize
	}
	attrs := []Attr{
		{Name: "MemoryName", Value: cfg.StorageType.String()},
		{Name: "SkipStorageInit", Value: boolAttr(skipStorageInit)},
		{Name: "MaxPayloadSizeToTargetInBytes", Value: strconv.Itoa(sbs)},
		{Name: "Version", Value: "1"},
		{Name: "SECTOR_SIZE_IN_BYTES", Value: strconv.Itoa(cfg.StorageSectorSize)},
	}
	if err := e.transmit("configure", attrs, nil); err != nil {
		return 0, nil, err
	}
	return e.readUntilTerminal(ackNakParser)
}

func (e *Engine) absorbConfigureResponse(attrs []Attr, skipStorageInit bool) error {
	cfg := e.ch.Config()
	deviceMax, err := atoiAttr(attrs, "MaxPayloadSizeToTargetInBytesSupported")
	if err != nil {
		return err
	}
	minVer, err := atoiAttr(attrs, "MinVersionSupported")
	if err != nil {
		return err
	}
	if minVer > protoVersionSupported {
		return qdlerr.New(qdlerr.KindProtocolVersion,
			fmt.Sprintf("device minimum supported version %d above supported %d", minVer, protoVersionSupported))
	}
	xmlBufSize, err := atoiAttr(attrs, "MaxXMLSizeInBytes")
	if err != nil {
		return err
	}
	sendBufSize, err := atoiAttr(attrs, "MaxPayloadSizeToTargetInBytes")
	if err != nil {
		return err
	}
	cfg.XMLBufSize = xmlBufSize
	cfg.SendBufferSize = sendBufSize

	if cfg.SendBufferSize < deviceMax {
		cfg.SendBufferSize = deviceMax
		status, attrs2, err := e.configureOnce(skipStorageInit)
		if err != nil {
			return err
		}
		if status != StatusAck {
			return &NakError{Kind: NakConfigure, Attrs: attrs2}
		}
	}
	return nil
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func partAttrs(sectorSize, numSectors int, slot, physPart uint8, startSector uint32) []Attr {
	return []Attr{
		{Name: "SECTOR_SIZE_IN_BYTES", Value: strconv.Itoa(sectorSize)},
		{Name: "num_partition_sectors", Value: strconv.Itoa(numSectors)},
		{Name: "physical_partition_number", Value: strconv.Itoa(int(physPart))},
		{Name: "slot", Value: strconv.Itoa(int(slot))},
		{Name: "start_sector", Value: strconv.FormatUint(uint64(startSector), 10)},
	}
}

// Program sends <program> for label, waits for the device's readiness ACK,
// streams exactly numSectors*sector_size bytes from src (zero-padding a
// short source), then waits for the terminal ACK.
func (e *Engine) Program(src io.Reader, label string, numSectors int, slot, physPart uint8, startSector uint32) error {
	cfg := e.ch.Config()
	attrs := append(partAttrs(cfg.StorageSectorSize, numSectors, slot, physPart, startSector),
		Attr{Name: "filename", Value: label})
	if err := e.transmit("program", attrs, nil); err != nil {
		return err
	}
	status, attrs2, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	if err := e.streamPayload(src, numSectors*cfg.StorageSectorSize); err != nil {
		return err
	}
	status, attrs2, err = e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	return nil
}

// Read sends <read>, waits for the readiness ACK, reads exactly
// numSectors*sector_size bytes into dst, then waits for the terminal ACK.
func (e *Engine) Read(dst io.Writer, numSectors int, slot, physPart uint8, startSector uint32) error {
	cfg := e.ch.Config()
	attrs := partAttrs(cfg.StorageSectorSize, numSectors, slot, physPart, startSector)
	if err := e.transmit("read", attrs, nil); err != nil {
		return err
	}
	status, attrs2, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	total := numSectors * cfg.StorageSectorSize
	if err := e.readExactly(dst, total); err != nil {
		return err
	}
	status, attrs2, err = e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	return nil
}

// readExactly copies exactly total bytes of raw (non-XML) payload into dst.
// The response reader's readiness-ACK parse can pull raw payload bytes into
// its own buffer along with the XML it was looking for, so any such leftover
// is drained from it before falling back to the channel directly.
func (e *Engine) readExactly(dst io.Writer, total int) error {
	remaining := total
	if carry := e.resp.Drain(remaining); len(carry) > 0 {
		if _, err := dst.Write(carry); err != nil {
			return qdlerr.Wrap(qdlerr.KindHostIO, "writing Firehose read payload", err)
		}
		remaining -= len(carry)
	}
	for remaining > 0 {
		chunk, err := e.ch.FillBuf()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return qdlerr.New(qdlerr.KindFramingTruncated, "unexpected EOF streaming Firehose read payload")
		}
		n := len(chunk)
		if n > remaining {
			n = remaining
		}
		if _, err := dst.Write(chunk[:n]); err != nil {
			return qdlerr.Wrap(qdlerr.KindHostIO, "writing Firehose read payload", err)
		}
		e.ch.Consume(n)
		remaining -= n
	}
	return nil
}

// ChecksumStorage sends <getsha256digest> and waits for the terminal
// ACK/NAK, writing no output (the caller's interest is only success).
func (e *Engine) ChecksumStorage(numSectors int, slot, physPart uint8, startSector uint32) error {
	cfg := e.ch.Config()
	attrs := partAttrs(cfg.StorageSectorSize, numSectors, slot, physPart, startSector)
	if err := e.transmit("getsha256digest", attrs, nil); err != nil {
		return err
	}
	status, attrs2, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	return nil
}

// Patch sends <patch> to rewrite a value at byteOffset within the given
// partition, one XML request and a single terminal ACK/NAK.
func (e *Engine) Patch(byteOffset uint64, slot, physPart uint8, sizeInBytes uint64, startSector, value string) error {
	attrs := []Attr{
		{Name: "byte_offset", Value: strconv.FormatUint(byteOffset, 10)},
		{Name: "slot", Value: strconv.Itoa(int(slot))},
		{Name: "physical_partition_number", Value: strconv.Itoa(int(physPart))},
		{Name: "size_in_bytes", Value: strconv.FormatUint(sizeInBytes, 10)},
		{Name: "start_sector", Value: startSector},
		{Name: "value", Value: value},
	}
	if err := e.transmit("patch", attrs, nil); err != nil {
		return err
	}
	status, attrs2, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	return nil
}

// Erase overwrites numSectors sectors with zeros: a <program> whose source
// is immediately exhausted, so every byte streamed is the zero padding.
func (e *Engine) Erase(numSectors int, slot, physPart uint8, startSector uint32) error {
	return e.Program(strings.NewReader(""), "", numSectors, slot, physPart, startSector)
}

// Peek reads len bytes of device RAM at base via <peek> and a terminal
// ACK/NAK; the bytes themselves are not returned by the protocol, only
// success or failure.
func (e *Engine) Peek(base, length uint64) error {
	attrs := []Attr{
		{Name: "address64", Value: strconv.FormatUint(base, 10)},
		{Name: "SizeInBytes", Value: strconv.FormatUint(length, 10)},
	}
	if err := e.transmit("peek", attrs, nil); err != nil {
		return err
	}
	status, attrs2, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	return nil
}

// Nop asks the device to do nothing, successfully.
func (e *Engine) Nop() error {
	if err := e.transmit("nop", nil, nil); err != nil {
		return err
	}
	status, attrs, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs}
	}
	return nil
}

// SetBootable marks physical partition lun as the storage device's active
// boot target.
func (e *Engine) SetBootable(lun uint8) error {
	attrs := []Attr{{Name: "value", Value: strconv.Itoa(int(lun))}}
	if err := e.transmit("setbootablestoragedrive", attrs, nil); err != nil {
		return err
	}
	status, attrs2, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	return nil
}

// Reset sends <power value=mode/> with an optional delay, asking the
// device to reboot into mode.
func (e *Engine) Reset(mode ResetMode, delaySeconds int) error {
	attrs := []Attr{{Name: "value", Value: string(mode)}}
	if delaySeconds > 0 {
		attrs = append(attrs, Attr{Name: "DelayInSeconds", Value: strconv.Itoa(delaySeconds)})
	}
	if err := e.transmit("power", attrs, nil); err != nil {
		return err
	}
	status, attrs2, err := e.readUntilTerminal(ackNakParser)
	if err != nil {
		return err
	}
	if status != StatusAck {
		return &NakError{Kind: NakOperation, Attrs: attrs2}
	}
	return nil
}

// ReadLeadingLogs drains and logs any <log> elements the device emits
// immediately after the Sahara→Firehose handoff, before <configure> is
// sent, stopping at the first <response>.
func (e *Engine) ReadLeadingLogs() (Status, []Attr, error) {
	return e.readUntilTerminal(ackNakParser)
}
