// Package programfile walks a vendor-supplied program/patch XML script and
// drives a Firehose engine through the directives it contains.
package programfile

import (
	"bytes"
	"encoding/xml"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/qualcomm/qdl/pkg/firehose"
	"github.com/qualcomm/qdl/pkg/qdlerr"
)

// Element is one top-level directive of a program-file XML document, with
// attributes preserved in document order.
type Element struct {
	Tag   string
	Attrs []firehose.Attr
}

// Attr returns the named attribute's value, or "" and false if absent.
func (e Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// ParseElements reads the direct children of data's root element, ignoring
// the root's own name: the program-file format recognizes directives by
// local name regardless of what the document wraps them in.
func ParseElements(data []byte) ([]Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	var elems []Element
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, qdlerr.Wrap(qdlerr.KindFramingMalformed, "parsing program-file XML", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				attrs := make([]firehose.Attr, 0, len(t.Attr))
				for _, a := range t.Attr {
					attrs = append(attrs, firehose.Attr{Name: a.Name.Local, Value: a.Value})
				}
				elems = append(elems, Element{Tag: strings.ToLower(t.Name.Local), Attrs: attrs})
			}
		case xml.EndElement:
			depth--
		}
	}
	return elems, nil
}

var bootablePartNames = map[string]bool{"xbl": true, "xbl_a": true, "sbl1": true}

func attrOr(e Element, name, fallback string) string {
	if v, ok := e.Attr(name); ok {
		return v
	}
	return fallback
}

func attrInt(e Element, name string) (int, error) {
	v, ok := e.Attr(name)
	if !ok {
		return 0, qdlerr.New(qdlerr.KindDomainUnknownDirective, "<"+e.Tag+"> missing attribute "+name)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, qdlerr.Wrap(qdlerr.KindDomainUnknownDirective, "parsing attribute "+name, err)
	}
	return n, nil
}

func attrUint8(e Element, name string, fallback uint8) (uint8, error) {
	v, ok := e.Attr(name)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, qdlerr.Wrap(qdlerr.KindDomainUnknownDirective, "parsing attribute "+name, err)
	}
	return uint8(n), nil
}

func attrUint32(e Element, name string) (uint32, error) {
	v, ok := e.Attr(name)
	if !ok {
		return 0, qdlerr.New(qdlerr.KindDomainUnknownDirective, "<"+e.Tag+"> missing attribute "+name)
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, qdlerr.Wrap(qdlerr.KindDomainUnknownDirective, "parsing attribute "+name, err)
	}
	return uint32(n), nil
}

// Run walks the program-file XML at xmlPath, validating referenced files
// exist (unless allowMissingFiles) and then dispatching each directive to
// eng in document order. outDir is where <read> targets are written;
// <getsha256digest> writes no file. It returns the physical partition index to mark bootable, if
// any directive named a bootable label.
func Run(eng *firehose.Engine, xmlPath, outDir string, allowMissingFiles, verbose bool) (*uint8, error) {
	raw, err := os.ReadFile(xmlPath)
	if err != nil {
		return nil, qdlerr.Wrap(qdlerr.KindHostIO, "reading program file "+xmlPath, err)
	}
	elems, err := ParseElements(raw)
	if err != nil {
		return nil, err
	}
	programDir := filepath.Dir(xmlPath)

	if err := validateFiles(elems, programDir, allowMissingFiles); err != nil {
		return nil, err
	}

	var bootablePart *uint8
	for _, e := range elems {
		switch e.Tag {
		case "getsha256digest":
			if err := runReadOrChecksum(eng, e, outDir, true); err != nil {
				return nil, err
			}
		case "patch":
			if err := runPatch(eng, e, verbose); err != nil {
				return nil, err
			}
		case "program":
			idx, err := runProgram(eng, e, programDir, allowMissingFiles, verbose)
			if err != nil {
				return nil, err
			}
			if idx != nil {
				bootablePart = idx
			}
		case "read":
			if err := runReadOrChecksum(eng, e, outDir, false); err != nil {
				return nil, err
			}
		default:
			return nil, qdlerr.New(qdlerr.KindDomainUnknownDirective, "unknown program-file directive <"+e.Tag+">, refusing to proceed")
		}
	}
	return bootablePart, nil
}

// validateFiles pre-checks every <program filename=…> names an existing
// sibling file before any device traffic is sent, so a script with a
// missing image fails before partially flashing the device.
func validateFiles(elems []Element, programDir string, allowMissingFiles bool) error {
	for _, e := range elems {
		if e.Tag != "program" {
			continue
		}
		filename, ok := e.Attr("filename")
		if !ok {
			return qdlerr.New(qdlerr.KindDomainUnknownDirective, "<program> tag without a filename")
		}
		if allowMissingFiles || filename == "" {
			continue
		}
		path := filepath.Join(programDir, filename)
		if _, err := os.Stat(path); err != nil {
			return qdlerr.New(qdlerr.KindDomainNotFound, path+" doesn't exist")
		}
	}
	return nil
}

func runReadOrChecksum(eng *firehose.Engine, e Element, outDir string, checksumOnly bool) error {
	numSectors, err := attrInt(e, "num_partition_sectors")
	if err != nil {
		return err
	}
	slot, err := attrUint8(e, "slot", 0)
	if err != nil {
		return err
	}
	physPart, err := attrUint8(e, "physical_partition_number", 0)
	if err != nil {
		return err
	}
	startSector, err := attrUint32(e, "start_sector")
	if err != nil {
		return err
	}

	if checksumOnly {
		return eng.ChecksumStorage(numSectors, slot, physPart, startSector)
	}

	filename, ok := e.Attr("filename")
	if !ok {
		return qdlerr.New(qdlerr.KindDomainUnknownDirective, "<read> tag without a filename")
	}
	out, err := os.Create(filepath.Join(outDir, filename))
	if err != nil {
		return qdlerr.Wrap(qdlerr.KindHostIO, "creating read-back output "+filename, err)
	}
	defer out.Close()
	return eng.Read(out, numSectors, slot, physPart, startSector)
}

func runPatch(eng *firehose.Engine, e Element, verbose bool) error {
	filename, ok := e.Attr("filename")
	if !ok {
		return qdlerr.New(qdlerr.KindDomainUnknownDirective, "<patch> tag without a filename")
	}
	if filename != "DISK" {
		if verbose {
			log.Printf("[programfile] skipping <patch> targeting %q on the host filesystem", filename)
		}
		return nil
	}

	byteOff, err := attrInt(e, "byte_offset")
	if err != nil {
		return err
	}
	slot, err := attrUint8(e, "slot", 0)
	if err != nil {
		return err
	}
	physPart, err := attrUint8(e, "physical_partition_number", 0)
	if err != nil {
		return err
	}
	size, err := attrInt(e, "size_in_bytes")
	if err != nil {
		return err
	}
	startSector := attrOr(e, "start_sector", "")
	value := attrOr(e, "value", "")

	return eng.Patch(uint64(byteOff), slot, physPart, uint64(size), startSector, value)
}

const bootablePartSkipLabel = "skipping 0-length entry for "

func runProgram(eng *firehose.Engine, e Element, programDir string, allowMissingFiles, verbose bool) (*uint8, error) {
	sectorSize, err := attrInt(e, "SECTOR_SIZE_IN_BYTES")
	if err != nil {
		return nil, err
	}
	if sectorSize != eng.Channel().Config().StorageSectorSize {
		return nil, qdlerr.New(qdlerr.KindDomainSectorMismatch,
			"program-file requests sector size "+strconv.Itoa(sectorSize)+" which doesn't match the negotiated device sector size")
	}
	numSectors, err := attrInt(e, "num_partition_sectors")
	if err != nil {
		return nil, err
	}
	slot, err := attrUint8(e, "slot", 0)
	if err != nil {
		return nil, err
	}
	physPart, err := attrUint8(e, "physical_partition_number", 0)
	if err != nil {
		return nil, err
	}
	startSector := attrOr(e, "start_sector", "0")
	fileSectorOffset, err := strconv.Atoi(attrOr(e, "file_sector_offset", "0"))
	if err != nil {
		fileSectorOffset = 0
	}
	label := attrOr(e, "label", "")

	if numSectors == 0 {
		if verbose {
			log.Printf("[programfile] %s%s", bootablePartSkipLabel, label)
		}
		return nil, nil
	}

	var bootablePart *uint8
	if bootablePartNames[label] {
		p := physPart
		bootablePart = &p
	}

	filename, ok := e.Attr("filename")
	if !ok {
		return nil, qdlerr.New(qdlerr.KindDomainUnknownDirective, "<program> tag without a filename")
	}
	filePath := filepath.Join(programDir, filename)
	if allowMissingFiles {
		if filename == "" {
			if verbose {
				log.Printf("[programfile] skipping bogus entry for %s", label)
			}
			return nil, nil
		}
		if _, err := os.Stat(filePath); err != nil {
			if verbose {
				log.Printf("[programfile] skipping non-existent file %s", filePath)
			}
			return nil, nil
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, qdlerr.Wrap(qdlerr.KindHostIO, "opening program image "+filePath, err)
	}
	defer f.Close()
	if fileSectorOffset != 0 {
		if _, err := f.Seek(int64(sectorSize)*int64(fileSectorOffset), io.SeekCurrent); err != nil {
			return nil, qdlerr.Wrap(qdlerr.KindHostIO, "seeking within program image "+filePath, err)
		}
	}

	startSectorU32, err := strconv.ParseUint(startSector, 10, 32)
	if err != nil {
		return nil, qdlerr.Wrap(qdlerr.KindDomainUnknownDirective, "parsing start_sector", err)
	}
	if err := eng.Program(f, label, numSectors, slot, physPart, uint32(startSectorU32)); err != nil {
		return nil, err
	}
	return bootablePart, nil
}
