//go:build unit

package sahara

import (
	"bytes"
	"encoding/binary"
	"os"
	"testing"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/testutil"
)

func rawPacket(cmd Command, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(cmd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(8+len(payload)))
	copy(buf[8:], payload)
	return buf
}

func rawHello(mode Mode) []byte {
	h := helloPayload{Version: 2, VersionCompatible: 1, MaxCmdPacketLength: 0, Mode: mode}
	return rawPacket(CmdHello, h.marshal())
}

func newPipe() *testutil.PipeChannel {
	return testutil.NewPipeChannel(channel.Config{})
}

func TestRunImageTransferSingleImage(t *testing.T) {
	pc := newPipe()
	image := testutil.MakeRandomBytes(64)

	pc.Feed(rawHello(ModeWaitingForImage))
	readReq := make([]byte, 12)
	binary.LittleEndian.PutUint32(readReq[0:4], 0)
	binary.LittleEndian.PutUint32(readReq[4:8], 0)
	binary.LittleEndian.PutUint32(readReq[8:12], uint32(len(image)))
	pc.Feed(rawPacket(CmdReadData, readReq))

	endReq := make([]byte, 8)
	binary.LittleEndian.PutUint32(endReq[0:4], 0)
	binary.LittleEndian.PutUint32(endReq[4:8], 0)
	pc.Feed(rawPacket(CmdEndImageTransfer, endReq))

	doneRsp := make([]byte, 4)
	binary.LittleEndian.PutUint32(doneRsp[0:4], 1) // no continuation
	pc.Feed(rawPacket(CmdDoneResponse, doneRsp))

	_, err := Run(pc, ModeWaitingForImage, nil, [][]byte{image}, nil, false, false)
	testutil.AssertNoError(t, err, "Run")

	sent := pc.Sent()
	// HELLO_RSP packet, then the full image bytes, then DONE packet.
	if !bytes.Contains(sent, image) {
		t.Fatalf("expected sent bytes to contain the image payload")
	}
	if Command(binary.LittleEndian.Uint32(sent[0:4])) != CmdHelloResponse {
		t.Fatalf("expected first packet to be HELLO_RSP")
	}
}

func TestRunImageTransferMultipleImages(t *testing.T) {
	pc := newPipe()
	img0 := testutil.MakeRandomBytes(16)
	img1 := testutil.MakeRandomBytes(32)

	pc.Feed(rawHello(ModeWaitingForImage))

	req0 := make([]byte, 12)
	binary.LittleEndian.PutUint32(req0[8:12], uint32(len(img0)))
	pc.Feed(rawPacket(CmdReadData, req0))
	end0 := make([]byte, 8)
	pc.Feed(rawPacket(CmdEndImageTransfer, end0))
	doneRsp0 := make([]byte, 4)
	binary.LittleEndian.PutUint32(doneRsp0[0:4], 0) // continuation
	pc.Feed(rawPacket(CmdDoneResponse, doneRsp0))

	req1 := make([]byte, 12)
	binary.LittleEndian.PutUint32(req1[0:4], 1)
	binary.LittleEndian.PutUint32(req1[8:12], uint32(len(img1)))
	pc.Feed(rawPacket(CmdReadData, req1))
	end1 := make([]byte, 8)
	binary.LittleEndian.PutUint32(end1[0:4], 1)
	pc.Feed(rawPacket(CmdEndImageTransfer, end1))
	doneRsp1 := make([]byte, 4)
	binary.LittleEndian.PutUint32(doneRsp1[0:4], 1)
	pc.Feed(rawPacket(CmdDoneResponse, doneRsp1))

	_, err := Run(pc, ModeWaitingForImage, nil, [][]byte{img0, img1}, nil, false, false)
	testutil.AssertNoError(t, err, "Run")

	sent := pc.Sent()
	if !bytes.Contains(sent, img0) || !bytes.Contains(sent, img1) {
		t.Fatalf("expected both images to be transmitted")
	}
}

func TestRunSkipHelloWait(t *testing.T) {
	pc := newPipe()
	image := testutil.MakeRandomBytes(8)

	readReq := make([]byte, 12)
	binary.LittleEndian.PutUint32(readReq[8:12], uint32(len(image)))
	pc.Feed(rawPacket(CmdReadData, readReq))
	end := make([]byte, 8)
	pc.Feed(rawPacket(CmdEndImageTransfer, end))
	doneRsp := make([]byte, 4)
	binary.LittleEndian.PutUint32(doneRsp[0:4], 1)
	pc.Feed(rawPacket(CmdDoneResponse, doneRsp))

	if err := SendHelloResponse(pc, ModeCommand); err != nil {
		t.Fatalf("SendHelloResponse: %v", err)
	}
	_, err := Run(pc, ModeWaitingForImage, nil, [][]byte{image}, nil, true, false)
	testutil.AssertNoError(t, err, "Run with skipHelloWait")
}

func TestRunCommandModeReadSerialNum(t *testing.T) {
	pc := newPipe()
	pc.Feed(rawHello(ModeCommand))
	pc.Feed(rawPacket(CmdCommandReady, nil))

	execRsp := make([]byte, 8)
	binary.LittleEndian.PutUint32(execRsp[0:4], uint32(CmdModeReadSerialNum))
	binary.LittleEndian.PutUint32(execRsp[4:8], 4)
	pc.Feed(rawPacket(CmdCommandExecuteResponse, execRsp))
	pc.Feed([]byte{0x34, 0x12, 0x00, 0x00})

	cmd := CmdModeReadSerialNum
	data, err := Run(pc, ModeCommand, &cmd, nil, nil, false, false)
	testutil.AssertNoError(t, err, "Run")
	testutil.AssertBytesEqual(t, data, []byte{0x34, 0x12, 0x00, 0x00}, "serial number bytes")
}

func TestRunMemoryDebugWritesRequestedRegions(t *testing.T) {
	dir := testutil.TempDir(t)
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(cwd)

	pc := newPipe()
	pc.Feed(rawHello(ModeMemoryDebug))

	tableData := make([]byte, 0)
	region := make([]byte, 20+4+4)
	copy(region, "apps.bin")
	binary.LittleEndian.PutUint32(region[20:24], 0x1000)
	binary.LittleEndian.PutUint32(region[24:28], 8)
	tableData = append(tableData, region...)

	tableReq := make([]byte, 8)
	binary.LittleEndian.PutUint32(tableReq[0:4], 0x2000)
	binary.LittleEndian.PutUint32(tableReq[4:8], uint32(len(tableData)))
	pc.Feed(rawPacket(CmdMemoryDebug, tableReq))
	pc.Feed(tableData)
	pc.Feed([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	pc.Feed(rawPacket(CmdResetResponse, nil))

	_, err := Run(pc, ModeMemoryDebug, nil, nil, []string{"apps.bin"}, false, false)
	testutil.AssertNoError(t, err, "Run")

	got, err := os.ReadFile("apps.bin.bin")
	testutil.AssertNoError(t, err, "reading dumped region")
	testutil.AssertBytesEqual(t, got, []byte{1, 2, 3, 4, 5, 6, 7, 8}, "dumped region bytes")
}

func TestRunUnknownCommandFatal(t *testing.T) {
	pc := newPipe()
	pc.Feed(rawHello(ModeWaitingForImage))
	pc.Feed(rawPacket(Command(0xFF), nil))

	_, err := Run(pc, ModeWaitingForImage, nil, [][]byte{{1}}, nil, false, false)
	testutil.AssertError(t, err, "expected fatal error on unknown command")
}
