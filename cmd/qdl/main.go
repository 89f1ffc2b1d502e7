// Command qdl drives a Qualcomm device through the Sahara/Firehose Emergency
// Download sequence: it loads a programmer binary over Sahara, hands off to
// Firehose, and then runs exactly one storage operation before resetting the
// device. See usage() for the supported operations.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/firehose"
	"github.com/qualcomm/qdl/pkg/gptresolve"
	"github.com/qualcomm/qdl/pkg/programfile"
	"github.com/qualcomm/qdl/pkg/qdl"
	"github.com/qualcomm/qdl/pkg/sahara"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "qdl: "+err.Error())
		os.Exit(1)
	}
}

type globalArgs struct {
	backend          string
	devPath          string
	loaderPath       string
	hashPackets      bool
	physPartIdx      uint
	printFirehoseLog bool
	readBackVerify   bool
	resetMode        string
	serialNo         string
	skipHelloWait    bool
	storageType      string
	storageSlot      uint
	sectorSize       int
	skipStorageInit  bool
	verboseSahara    bool
	verboseFirehose  bool
}

func run(argv []string) error {
	fs := flag.NewFlagSet("qdl", flag.ContinueOnError)
	var g globalArgs
	fs.StringVar(&g.backend, "backend", "usb", "usb/serial")
	fs.StringVar(&g.devPath, "dev-path", "", "e.g. COM4 on Windows, or a /dev/tty path")
	fs.StringVar(&g.loaderPath, "loader-path", "", "path to the Firehose programmer MBN (required)")
	fs.BoolVar(&g.hashPackets, "hash-packets", false, "set hash_packets in the session configuration (not sent to the device)")
	fs.UintVar(&g.physPartIdx, "phys-part-idx", 0, "e.g. LUN index for UFS")
	fs.BoolVar(&g.printFirehoseLog, "print-firehose-log", false, "print <log> elements from the device")
	fs.BoolVar(&g.readBackVerify, "read-back-verify", false, "set read_back_verify in the session configuration (no read-back is performed)")
	fs.StringVar(&g.resetMode, "reset-mode", "edl", "edl/off/system, the final reset after the operation")
	fs.StringVar(&g.serialNo, "serial-no", "", "USB backend only: filter by device serial number")
	fs.BoolVar(&g.skipHelloWait, "skip-hello-wait", false, "work around a missing Sahara HELLO packet")
	fs.StringVar(&g.storageType, "storage-type", "", "emmc/ufs/nvme/nand (required)")
	fs.UintVar(&g.storageSlot, "storage-slot", 0, "index of the physical device, e.g. 1 for secondary UFS")
	fs.IntVar(&g.sectorSize, "sector-size", 0, "override the storage type's default sector size")
	fs.BoolVar(&g.skipStorageInit, "skip-storage-init", false, "required for unprovisioned storage media")
	fs.BoolVar(&g.verboseSahara, "verbose-sahara", false, "log every Sahara packet")
	fs.BoolVar(&g.verboseFirehose, "verbose-firehose", false, "log every Firehose request/response")

	fs.Usage = usage
	if err := fs.Parse(argv); err != nil {
		return err
	}
	args := fs.Args()
	if len(args) == 0 {
		usage()
		return fmt.Errorf("no command given")
	}
	return dispatch(g, args[0], args[1:])
}

func usage() {
	fmt.Fprintln(os.Stderr, "qdl "+version)
	fmt.Fprintln(os.Stderr, `
Usage: qdl [global flags] <command> [command args]

Commands:
  dump [outdir]                     dump every named partition (default out/)
  dump-part <name> [outdir]         dump a single partition (default out/)
  flash <program.xml> [patch.xml…]  run a flasher program-file script
  erase <name>                      zero a partition
  nop                                ask the device to do nothing
  overwrite-storage <file>          write a raw image straight to storage
  peek <base> [len]                 peek at device memory
  print-gpt                         print the GPT on the target physical partition
  reset [mode]                      restart the device
  set-bootable <idx>                mark a physical partition as bootable
  write <part> <file>               write file to a named partition

Global flags:`)
	fmt.Fprintln(os.Stderr)
}

func dispatch(g globalArgs, cmd string, rest []string) error {
	if g.loaderPath == "" {
		return fmt.Errorf("-loader-path is required")
	}
	storageType, err := channel.ParseStorageType(g.storageType)
	if err != nil {
		return err
	}
	resetMode, err := firehose.ParseResetMode(g.resetMode)
	if err != nil {
		return err
	}
	sectorSize := g.sectorSize
	if sectorSize == 0 {
		sectorSize = channel.DefaultSectorSize(storageType)
		if sectorSize == 0 {
			return fmt.Errorf("-sector-size is required for this storage type")
		}
		fmt.Printf("Using a default sector size of %d\n", sectorSize)
	}

	loader, err := os.ReadFile(g.loaderPath)
	if err != nil {
		return fmt.Errorf("couldn't open the programmer binary: %w", err)
	}

	fmt.Printf("qdl %s\n", version)

	ch, err := openChannel(g)
	if err != nil {
		return fmt.Errorf("couldn't set up device: %w", err)
	}
	defer ch.Close()

	cfg := ch.Config()
	cfg.StorageType = storageType
	cfg.StorageSectorSize = sectorSize
	cfg.StorageSlot = uint8(g.storageSlot)
	cfg.HashPackets = g.hashPackets
	cfg.ReadBackVerify = g.readBackVerify
	cfg.BypassStorage = false
	cfg.SkipFirehoseLog = !g.printFirehoseLog
	cfg.VerboseFirehose = g.verboseFirehose
	cfg.SendBufferSize = channel.DefaultSendBufferSize

	dev := qdl.Open(ch)

	if g.skipHelloWait {
		if err := sahara.SendHelloResponse(ch, sahara.ModeCommand); err != nil {
			return err
		}
	}

	cmdSN := sahara.CmdModeReadSerialNum
	sn, err := dev.RunSahara(sahara.ModeCommand, &cmdSN, nil, nil, g.skipHelloWait, g.verboseSahara)
	if err != nil {
		return fmt.Errorf("reading chip serial number: %w", err)
	}
	if len(sn) >= 4 {
		fmt.Printf("Chip serial number: 0x%08x\n", uint32(sn[0])|uint32(sn[1])<<8|uint32(sn[2])<<16|uint32(sn[3])<<24)
	}

	cmdKeyHash := sahara.CmdModeReadOemKeyHash
	keyHash, err := dev.RunSahara(sahara.ModeCommand, &cmdKeyHash, nil, nil, false, g.verboseSahara)
	if err != nil {
		return fmt.Errorf("reading OEM key hash: %w", err)
	}
	fmt.Printf("OEM Private Key hash: %x\n", keyHash)

	if _, err := dev.RunSahara(sahara.ModeWaitingForImage, nil, [][]byte{loader}, nil, false, g.verboseSahara); err != nil {
		return fmt.Errorf("transferring programmer image: %w", err)
	}

	eng := dev.EnterFirehose(g.verboseFirehose, cfg.SkipFirehoseLog)
	guard := qdl.NewResetGuard(dev, firehose.ResetModeEDL, 0).Verbose(g.verboseFirehose)
	defer guard.Close()

	if _, _, err := eng.ReadLeadingLogs(); err != nil {
		return fmt.Errorf("reading Firehose welcome logs: %w", err)
	}
	if err := eng.Configure(g.skipStorageInit); err != nil {
		return fmt.Errorf("configuring Firehose: %w", err)
	}

	if err := runCommand(eng, cmd, rest, g); err != nil {
		return err
	}

	guard.Disarm()
	if err := eng.Reset(resetMode, 0); err != nil {
		return fmt.Errorf("final reset: %w", err)
	}
	fmt.Printf("All went well! Resetting to %s\n", resetMode)
	return nil
}

func openChannel(g globalArgs) (channel.Channel, error) {
	switch g.backend {
	case "", "usb":
		return channel.OpenUSB(g.serialNo)
	case "serial":
		return channel.OpenSerial(g.devPath)
	default:
		return nil, fmt.Errorf("unknown backend %q", g.backend)
	}
}

func runCommand(eng *firehose.Engine, cmd string, rest []string, g globalArgs) error {
	slot := uint8(g.storageSlot)
	physPart := uint8(g.physPartIdx)
	sectorSize := eng.Channel().Config().StorageSectorSize

	switch cmd {
	case "dump":
		outdir := "out/"
		if len(rest) > 0 {
			outdir = rest[0]
		}
		return dumpAll(eng, outdir, slot, physPart, sectorSize)

	case "dump-part":
		if len(rest) < 1 {
			return fmt.Errorf("dump-part requires a partition name")
		}
		outdir := "out/"
		if len(rest) > 1 {
			outdir = rest[1]
		}
		if err := os.MkdirAll(outdir, 0755); err != nil {
			return err
		}
		out, err := os.Create(filepath.Join(outdir, rest[0]))
		if err != nil {
			return err
		}
		defer out.Close()
		return gptresolve.ReadLogicalPartition(eng, out, rest[0], slot, physPart, sectorSize)

	case "flash":
		if len(rest) < 1 {
			return fmt.Errorf("flash requires at least one program-file XML path")
		}
		return runFlash(eng, rest, g.verboseFirehose)

	case "erase":
		if len(rest) < 1 {
			return fmt.Errorf("erase requires a partition name")
		}
		part, err := gptresolve.FindPart(eng, rest[0], slot, physPart, sectorSize)
		if err != nil {
			return err
		}
		return eng.Erase(part.SectorCount(), slot, physPart, uint32(part.StartLBA))

	case "nop":
		err := eng.Nop()
		if err != nil {
			fmt.Println("Your nop was unsuccessful")
			return err
		}
		fmt.Println("Your nop was successful")
		return nil

	case "overwrite-storage":
		if len(rest) < 1 {
			return fmt.Errorf("overwrite-storage requires a file path")
		}
		return programRawFile(eng, rest[0], "", slot, physPart, 0, sectorSize)

	case "peek":
		if len(rest) < 1 {
			return fmt.Errorf("peek requires a base address")
		}
		base, err := strconv.ParseUint(rest[0], 0, 64)
		if err != nil {
			return fmt.Errorf("parsing base address: %w", err)
		}
		length := uint64(1)
		if len(rest) > 1 {
			length, err = strconv.ParseUint(rest[1], 0, 64)
			if err != nil {
				return fmt.Errorf("parsing length: %w", err)
			}
		}
		return eng.Peek(base, length)

	case "print-gpt":
		table, err := gptresolve.ReadTable(eng, sectorSize, slot, physPart)
		if err != nil {
			return err
		}
		gptresolve.PrintTable(os.Stdout, table, physPart, eng.Channel().Config().StorageType.String())
		return nil

	case "reset":
		mode := firehose.ResetModeSystem
		if len(rest) > 0 {
			m, err := firehose.ParseResetMode(rest[0])
			if err != nil {
				return err
			}
			mode = m
		}
		return eng.Reset(mode, 0)

	case "set-bootable":
		if len(rest) < 1 {
			return fmt.Errorf("set-bootable requires a physical partition index")
		}
		idx, err := strconv.ParseUint(rest[0], 10, 8)
		if err != nil {
			return fmt.Errorf("parsing index: %w", err)
		}
		return eng.SetBootable(uint8(idx))

	case "write":
		if len(rest) < 2 {
			return fmt.Errorf("write requires a partition name and a file path")
		}
		part, err := gptresolve.FindPart(eng, rest[0], slot, physPart, sectorSize)
		if err != nil {
			return err
		}
		return programRawFile(eng, rest[1], rest[0], slot, physPart, part.StartLBA, sectorSize)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func dumpAll(eng *firehose.Engine, outdir string, slot, physPart uint8, sectorSize int) error {
	if err := os.MkdirAll(outdir, 0755); err != nil {
		return err
	}
	table, err := gptresolve.ReadTable(eng, sectorSize, slot, physPart)
	if err != nil {
		return err
	}
	for _, p := range table.Partitions {
		if p.Name == "" || p.SectorCount() == 0 {
			continue
		}
		out, err := os.Create(filepath.Join(outdir, p.Name))
		if err != nil {
			return err
		}
		err = eng.Read(out, p.SectorCount(), slot, physPart, uint32(p.StartLBA))
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func programRawFile(eng *firehose.Engine, path, label string, slot, physPart uint8, startSector uint64, sectorSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	numSectors := int((info.Size() + int64(sectorSize) - 1) / int64(sectorSize))
	return eng.Program(f, label, numSectors, slot, physPart, uint32(startSector))
}

func runFlash(eng *firehose.Engine, xmlPaths []string, verbose bool) error {
	var bootablePart *uint8
	for _, xmlPath := range xmlPaths {
		idx, err := programfile.Run(eng, xmlPath, ".", false, verbose)
		if err != nil {
			return fmt.Errorf("running %s: %w", xmlPath, err)
		}
		if idx != nil {
			bootablePart = idx
		}
	}
	if bootablePart != nil {
		if err := eng.SetBootable(*bootablePart); err != nil {
			return fmt.Errorf("marking physical partition %d bootable: %w", *bootablePart, err)
		}
	}
	return nil
}
