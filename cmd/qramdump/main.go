// Command qramdump drains a crashed device's memory-debug regions to
// "<name>.bin" files in the current directory over the Sahara protocol
// alone; it never touches Firehose.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/sahara"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "qramdump: "+err.Error())
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("qramdump", flag.ContinueOnError)
	backend := fs.String("backend", "usb", "usb/serial")
	devPath := fs.String("dev-path", "", "e.g. COM4 on Windows, or a /dev/tty path")
	serialNo := fs.String("serial-no", "", "USB backend only: filter by device serial number")
	verboseSahara := fs.Bool("verbose-sahara", false, "log every Sahara packet")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: qramdump [flags] [region-name ...]")
		fmt.Fprintln(os.Stderr, "  with no region names, every region the device reports is dumped")
	}
	if err := fs.Parse(argv); err != nil {
		return err
	}
	regions := fs.Args()

	var ch channel.Channel
	var err error
	switch *backend {
	case "", "usb":
		ch, err = channel.OpenUSB(*serialNo)
	case "serial":
		ch, err = channel.OpenSerial(*devPath)
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		return fmt.Errorf("couldn't set up device: %w", err)
	}
	defer ch.Close()

	_, err = sahara.Run(ch, sahara.ModeMemoryDebug, nil, nil, regions, false, *verboseSahara)
	return err
}
