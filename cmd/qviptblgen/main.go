// Command qviptblgen prepares the Validated Image Programming signing
// inputs (signme.mbn, and tables.bin when there are more digests than fit
// in one table) for a flasher program-file script, entirely offline.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/qualcomm/qdl/pkg/vip"
)

// maxTableSize bounds each chained auxiliary hash table written to
// tables.bin.
const maxTableSize = 8192

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "qviptblgen: "+err.Error())
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("qviptblgen", flag.ContinueOnError)
	outputDir := fs.String("o", "out/", "output directory for signme.mbn and tables.bin")
	sendBufferSize := fs.Int("s", 1<<20, "send_buffer_size used to chunk attached files for hashing")
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: qviptblgen [flags] <input.xml>")
	}
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return fmt.Errorf("input_xml is required")
	}

	hashes, err := vip.CalcHashes(fs.Arg(0), *sendBufferSize)
	if err != nil {
		return err
	}
	return vip.GenHashTables(hashes, *outputDir, maxTableSize)
}
