//go:build unit

package firehose

import (
	"bytes"
	"strings"
	"testing"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/testutil"
)

func newPipe(cfg channel.Config) *testutil.PipeChannel {
	return testutil.NewPipeChannel(cfg)
}

func ackResponse(attrs string) []byte {
	return []byte(`<?xml version="1.0" ?><data><response value="ACK" ` + attrs + `/></data>`)
}

func nakResponse(attrs string) []byte {
	return []byte(`<?xml version="1.0" ?><data><response value="NAK" ` + attrs + `/></data>`)
}

func TestBuildRequestOrderAndEscaping(t *testing.T) {
	req := BuildRequest("program", []Attr{
		{Name: "filename", Value: `a"b<c>&d`},
		{Name: "slot", Value: "0"},
	})
	want := `<?xml version="1.0" ?><data><program filename="a&quot;b&lt;c&gt;&amp;d" slot="0"/></data>`
	if string(req) != want {
		t.Fatalf("got %q, want %q", req, want)
	}
}

func TestResponseReaderSplitsConcatenatedDocuments(t *testing.T) {
	pc := newPipe(channel.Config{})
	pc.Feed([]byte(`<?xml version="1.0" ?><data><log value="hello"/><response value="ACK"/></data>`))

	r := NewResponseReader(pc)
	e1, err := r.Next()
	testutil.AssertNoError(t, err, "Next log")
	testutil.AssertEqual(t, e1.Tag, "log", "first element tag")
	testutil.AssertEqual(t, e1.Value(), "hello", "log value")

	e2, err := r.Next()
	testutil.AssertNoError(t, err, "Next response")
	testutil.AssertEqual(t, e2.Tag, "response", "second element tag")
	testutil.AssertEqual(t, e2.Value(), "ACK", "response value")
}

func TestExtractElementReturnsNotOkOnPartialTag(t *testing.T) {
	partial := []byte(`<?xml version="1.0" ?><data><response value="AC`)
	_, _, ok, err := extractElement(partial)
	testutil.AssertNoError(t, err, "extractElement on partial tag")
	if ok {
		t.Fatalf("expected ok=false for a not-yet-complete element")
	}
}

func TestExtractElementReassemblesAcrossAppend(t *testing.T) {
	partial := []byte(`<?xml version="1.0" ?><data><response value="AC`)
	complete := append(append([]byte{}, partial...), []byte(`K"/></data>`)...)

	elem, rest, ok, err := extractElement(complete)
	testutil.AssertNoError(t, err, "extractElement on completed tag")
	if !ok {
		t.Fatalf("expected a complete element once the tail arrives")
	}
	testutil.AssertEqual(t, elem.Tag, "response", "element tag")
	testutil.AssertEqual(t, elem.Value(), "ACK", "element value")
	testutil.AssertEqual(t, len(rest), 0, "no trailing bytes")
}

func TestConfigureAbsorbsBufferSizes(t *testing.T) {
	cfg := channel.Config{StorageType: channel.StorageUFS, StorageSectorSize: 4096, SendBufferSize: 1024}
	pc := newPipe(cfg)
	pc.Feed(ackResponse(`MaxPayloadSizeToTargetInBytesSupported="1048576" MinVersionSupported="1" Version="1" MaxXMLSizeInBytes="4096" MaxPayloadSizeToTargetInBytes="1024"`))
	// Reconfigure-upward path: device can take more than we first asked for.
	pc.Feed(ackResponse(`MaxPayloadSizeToTargetInBytesSupported="1048576" MinVersionSupported="1" Version="1" MaxXMLSizeInBytes="4096" MaxPayloadSizeToTargetInBytes="1048576"`))

	e := New(pc, false, true)
	err := e.Configure(false)
	testutil.AssertNoError(t, err, "Configure")
	testutil.AssertEqual(t, pc.Config().SendBufferSize, 1048576, "negotiated send buffer size")
	testutil.AssertEqual(t, pc.Config().XMLBufSize, 4096, "negotiated XML buffer size")
}

func TestConfigureRecoversFromNakWithHint(t *testing.T) {
	cfg := channel.Config{StorageType: channel.StorageEMMC, StorageSectorSize: 512, SendBufferSize: 1 << 20}
	pc := newPipe(cfg)
	pc.Feed(nakResponse(`MaxPayloadSizeToTargetInBytes="65536"`))
	pc.Feed(ackResponse(`MaxPayloadSizeToTargetInBytesSupported="65536" MinVersionSupported="1" Version="1" MaxXMLSizeInBytes="2048" MaxPayloadSizeToTargetInBytes="65536"`))

	e := New(pc, false, true)
	err := e.Configure(false)
	testutil.AssertNoError(t, err, "Configure after NAK recovery")
	testutil.AssertEqual(t, pc.Config().SendBufferSize, 65536, "send buffer size after NAK recovery")
}

func TestConfigureFailsOnIncompatibleVersion(t *testing.T) {
	cfg := channel.Config{StorageType: channel.StorageEMMC, StorageSectorSize: 512, SendBufferSize: 1024}
	pc := newPipe(cfg)
	pc.Feed(ackResponse(`MaxPayloadSizeToTargetInBytesSupported="1024" MinVersionSupported="2" Version="1" MaxXMLSizeInBytes="1024" MaxPayloadSizeToTargetInBytes="1024"`))

	e := New(pc, false, true)
	err := e.Configure(false)
	testutil.AssertError(t, err, "expected version incompatibility error")
}

func TestProgramStreamsZeroPaddedPayload(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 512, SendBufferSize: 256}
	pc := newPipe(cfg)
	pc.Feed(ackResponse(""))
	pc.Feed(ackResponse(""))

	e := New(pc, false, true)
	src := strings.NewReader("hello")
	err := e.Program(src, "xbl", 1, 0, 0, 0)
	testutil.AssertNoError(t, err, "Program")

	sent := pc.Sent()
	if !bytes.Contains(sent, []byte("hello")) {
		t.Fatalf("expected payload to contain source bytes")
	}
	// 1 sector * 512 bytes of payload should have been written, zero-padded.
	zeroTail := make([]byte, 512-5)
	if !bytes.Contains(sent, append([]byte("hello"), zeroTail...)) {
		t.Fatalf("expected zero-padded 512-byte payload")
	}
}

func TestReadCollectsExactBytes(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 16, SendBufferSize: 64}
	pc := newPipe(cfg)
	pc.Feed(ackResponse(""))
	payload := testutil.MakeRandomBytes(32)
	pc.Feed(payload)
	pc.Feed(ackResponse(""))

	e := New(pc, false, true)
	var out bytes.Buffer
	err := e.Read(&out, 2, 0, 0, 0)
	testutil.AssertNoError(t, err, "Read")
	testutil.AssertBytesEqual(t, out.Bytes(), payload, "read payload")
}

func TestEraseSendsAllZeroPayload(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 8, SendBufferSize: 8}
	pc := newPipe(cfg)
	pc.Feed(ackResponse(""))
	pc.Feed(ackResponse(""))

	e := New(pc, false, true)
	err := e.Erase(2, 0, 6, 100)
	testutil.AssertNoError(t, err, "Erase")

	sent := pc.Sent()
	zeros := make([]byte, 16)
	if !bytes.Contains(sent, zeros) {
		t.Fatalf("expected 16 zero payload bytes in erase traffic")
	}
}

func TestNakOnNonConfigureOperationIsFatal(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 512, SendBufferSize: 256}
	pc := newPipe(cfg)
	pc.Feed(nakResponse(""))

	e := New(pc, false, true)
	err := e.Nop()
	testutil.AssertError(t, err, "expected NAK on nop to be fatal")
	var nakErr *NakError
	if !asNakError(err, &nakErr) {
		t.Fatalf("expected *NakError, got %T: %v", err, err)
	}
}

func asNakError(err error, target **NakError) bool {
	ne, ok := err.(*NakError)
	if ok {
		*target = ne
	}
	return ok
}

func TestPeekSendsDecimalAddressAndPascalCaseSize(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 512, SendBufferSize: 256}
	pc := newPipe(cfg)
	pc.Feed(ackResponse(""))

	e := New(pc, false, true)
	err := e.Peek(0x1000, 1)
	testutil.AssertNoError(t, err, "Peek")

	want := BuildRequest("peek", []Attr{
		{Name: "address64", Value: "4096"},
		{Name: "SizeInBytes", Value: "1"},
	})
	if !bytes.Contains(pc.Sent(), want) {
		t.Fatalf("expected peek request %q, got sent bytes %q", want, pc.Sent())
	}
}

func TestParseResponsesRoundTripsAttributeOrder(t *testing.T) {
	attrs := []Attr{
		{Name: "zeta", Value: "1"},
		{Name: "alpha", Value: "2"},
		{Name: "mid", Value: `a"b`},
	}
	req := BuildRequest("configure", attrs)

	pc := newPipe(channel.Config{})
	pc.Feed(req)
	r := NewResponseReader(pc)
	elem, err := r.Next()
	testutil.AssertNoError(t, err, "Next")
	testutil.AssertEqual(t, elem.Tag, "configure", "round-tripped tag")
	if len(elem.Attrs) != len(attrs) {
		t.Fatalf("expected %d attrs, got %d: %v", len(attrs), len(elem.Attrs), elem.Attrs)
	}
	for i, want := range attrs {
		if elem.Attrs[i] != want {
			t.Fatalf("attr %d: got %+v, want %+v (order not preserved)", i, elem.Attrs[i], want)
		}
	}
}

func TestSetBootableSendsValue(t *testing.T) {
	cfg := channel.Config{StorageSectorSize: 512, SendBufferSize: 256}
	pc := newPipe(cfg)
	pc.Feed(ackResponse(""))

	e := New(pc, false, true)
	err := e.SetBootable(6)
	testutil.AssertNoError(t, err, "SetBootable")
	if !bytes.Contains(pc.Sent(), []byte(`value="6"`)) {
		t.Fatalf("expected setbootablestoragedrive value=6 in request")
	}
}
