package sahara

import (
	"fmt"
	"log"
	"os"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/qdlerr"
)

const (
	helloVersion           = 2
	helloVersionCompatible = 1
	helloMaxCmdPacketLen   = 0
)

// SendHelloResponse writes a HELLO_RSP packet directly, without first
// waiting for the device's HELLO. It exists for devices whose HELLO was
// already consumed by another process before this session attached.
func SendHelloResponse(ch channel.Channel, mode Mode) error {
	rsp := helloPayload{
		Version:           helloVersion,
		VersionCompatible: helloVersionCompatible,
		MaxCmdPacketLength: helloMaxCmdPacketLen,
		Mode:              mode,
	}
	return writePacket(ch, CmdHelloResponse, rsp.marshal())
}

// Run drives one Sahara session to completion: it negotiates mode with the
// device, serves images in response to READ_DATA/READ_DATA_64, or answers a
// command-mode sub-command, or drains a requested set of memory-debug
// regions to "<name>.bin" files in the current directory. It returns the
// bytes produced by a command-mode sub-command, or nil otherwise.
func Run(ch channel.Channel, mode Mode, cmdModeCmd *CmdModeCmd, images [][]byte, memDebugRegions []string, skipHelloWait, verbose bool) ([]byte, error) {
	if !skipHelloWait {
		cmd, payload, err := readPacket(ch)
		if err != nil {
			return nil, err
		}
		if cmd != CmdHello {
			return nil, qdlerr.New(qdlerr.KindFramingUnknownCommand, fmt.Sprintf("expected HELLO, got command 0x%02x", uint32(cmd)))
		}
		hello, err := unmarshalHello(payload)
		if err != nil {
			return nil, err
		}
		if verbose {
			log.Printf("[sahara] HELLO version=%d compatible=%d", hello.Version, hello.VersionCompatible)
		}
		if err := SendHelloResponse(ch, mode); err != nil {
			return nil, err
		}
	}

	switch mode {
	case ModeCommand:
		return runCommandMode(ch, cmdModeCmd, verbose)
	case ModeMemoryDebug:
		return nil, runMemoryDebug(ch, memDebugRegions, verbose)
	default:
		return nil, runImageTransfer(ch, images, verbose)
	}
}

// runImageTransfer serves READ_DATA/READ_DATA_64 requests from the images
// list in the order the device asks for them, advancing to the next image
// only when END_IMG_XFER/DONE_RSP indicates continuation.
func runImageTransfer(ch channel.Channel, images [][]byte, verbose bool) error {
	for {
		cmd, payload, err := readPacket(ch)
		if err != nil {
			return err
		}
		switch cmd {
		case CmdReadData, CmdReadData64:
			req, err := unmarshalReadData(payload, cmd == CmdReadData64)
			if err != nil {
				return err
			}
			if verbose {
				log.Printf("[sahara] READ_DATA image=%d offset=%d length=%d", req.ImageID, req.Offset, req.Length)
			}
			if int(req.ImageID) >= len(images) {
				return qdlerr.New(qdlerr.KindDomainNotFound, fmt.Sprintf("device requested unknown image id %d", req.ImageID))
			}
			if err := writeImageChunk(ch, images[req.ImageID], req.Offset, req.Length); err != nil {
				return err
			}
		case CmdEndImageTransfer:
			end, err := unmarshalEndImageTransfer(payload)
			if err != nil {
				return err
			}
			if end.Status != 0 {
				return qdlerr.New(qdlerr.KindProtocolNak, fmt.Sprintf("END_IMG_XFER status=%d for image %d", end.Status, end.ImageID))
			}
			if err := writePacket(ch, CmdDone, marshalDone()); err != nil {
				return err
			}
			doneCmd, doneRspPayload, err := readPacket(ch)
			if err != nil {
				return err
			}
			if doneCmd != CmdDoneResponse {
				return qdlerr.New(qdlerr.KindFramingUnknownCommand, fmt.Sprintf("expected DONE_RSP, got command 0x%02x", uint32(doneCmd)))
			}
			doneRsp, err := unmarshalDoneResponse(doneRspPayload)
			if err != nil {
				return err
			}
			if doneRsp.ImageTxStatus == 0 {
				// Continuation: the device will issue READ_DATA for the next
				// image next, so keep serving.
				continue
			}
			return nil
		default:
			return qdlerr.New(qdlerr.KindFramingUnknownCommand, fmt.Sprintf("unexpected command 0x%02x during image transfer", uint32(cmd)))
		}
	}
}

// runCommandMode answers CMD_READY with a CMD_SWITCH for the requested
// sub-command, then drains CMD_EXEC/CMD_EXEC_DATA to retrieve the result.
func runCommandMode(ch channel.Channel, cmdModeCmd *CmdModeCmd, verbose bool) ([]byte, error) {
	cmd, _, err := readPacket(ch)
	if err != nil {
		return nil, err
	}
	if cmd != CmdCommandReady {
		return nil, qdlerr.New(qdlerr.KindFramingUnknownCommand, fmt.Sprintf("expected CMD_READY, got command 0x%02x", uint32(cmd)))
	}
	if cmdModeCmd == nil {
		return nil, qdlerr.New(qdlerr.KindFramingMalformed, "command mode requires a sub-command")
	}

	sw := cmdSwitchPayload{Cmd: *cmdModeCmd}
	if err := writePacket(ch, CmdCommandSwitchMode, sw.marshal()); err != nil {
		return nil, err
	}

	execCmd, execPayload, err := readPacket(ch)
	if err != nil {
		return nil, err
	}
	if execCmd != CmdCommandExecuteResponse {
		return nil, qdlerr.New(qdlerr.KindFramingUnknownCommand, fmt.Sprintf("expected CMD_EXEC, got command 0x%02x", uint32(execCmd)))
	}
	exec, err := unmarshalCmdExec(execPayload)
	if err != nil {
		return nil, err
	}
	if verbose {
		log.Printf("[sahara] CMD_EXEC cmd=%d dataLength=%d", exec.Cmd, exec.DataLength)
	}

	req := cmdExecDataPayload{Cmd: exec.Cmd}
	if err := writePacket(ch, CmdCommandExecuteData, req.marshal()); err != nil {
		return nil, err
	}
	data := make([]byte, exec.DataLength)
	if len(data) > 0 {
		if err := readFull(ch, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// runMemoryDebug reads the device's memory-table, issues a memory-read for
// every requested region (or all, when the list is empty), writes each to
// "<name>.bin" in the current directory, and resets the device.
func runMemoryDebug(ch channel.Channel, wantRegions []string, verbose bool) error {
	cmd, payload, err := readPacket(ch)
	if err != nil {
		return err
	}
	wide := cmd == CmdMemoryDebug64
	if cmd != CmdMemoryDebug && cmd != CmdMemoryDebug64 {
		return qdlerr.New(qdlerr.KindFramingUnknownCommand, fmt.Sprintf("expected MEM_DEBUG, got command 0x%02x", uint32(cmd)))
	}
	table, err := unmarshalMemDebug(payload, wide)
	if err != nil {
		return err
	}

	readCmd := CmdMemoryRead
	if wide {
		readCmd = CmdMemoryRead64
	}
	tableReq := memDebugReadPayload{Address: table.TableAddress, Length: table.TableLength}
	if err := writePacket(ch, readCmd, tableReq.marshal(wide)); err != nil {
		return err
	}
	raw := make([]byte, table.TableLength)
	if err := readFull(ch, raw); err != nil {
		return err
	}
	regions := parseMemDebugTable(raw, wide)

	wanted := func(name string) bool {
		if len(wantRegions) == 0 {
			return true
		}
		for _, w := range wantRegions {
			if w == name {
				return true
			}
		}
		return false
	}

	for _, r := range regions {
		if !wanted(r.Name) {
			if verbose {
				log.Printf("[sahara] skipping unrequested memory region %q", r.Name)
			}
			continue
		}
		regionReq := memDebugReadPayload{Address: r.Address, Length: r.Length}
		if err := writePacket(ch, readCmd, regionReq.marshal(wide)); err != nil {
			return err
		}
		data := make([]byte, r.Length)
		if err := readFull(ch, data); err != nil {
			return err
		}
		if err := os.WriteFile(r.Name+".bin", data, 0644); err != nil {
			return qdlerr.Wrap(qdlerr.KindHostIO, "writing memory debug region "+r.Name, err)
		}
		if verbose {
			log.Printf("[sahara] wrote memory region %q (%d bytes)", r.Name, r.Length)
		}
	}

	if err := writePacket(ch, CmdReset, marshalReset()); err != nil {
		return err
	}
	rstCmd, _, err := readPacket(ch)
	if err != nil {
		return err
	}
	if rstCmd != CmdResetResponse {
		return qdlerr.New(qdlerr.KindFramingUnknownCommand, fmt.Sprintf("expected RESET_RSP, got command 0x%02x", uint32(rstCmd)))
	}
	return nil
}
