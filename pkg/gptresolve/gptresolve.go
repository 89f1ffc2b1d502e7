// Package gptresolve locates logical partitions on a Firehose-attached
// storage device by fetching its GUID Partition Table over the channel
// already used for image and patch traffic.
package gptresolve

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/qualcomm/qdl/pkg/qdlerr"
	"github.com/rekby/gpt"
)

// reader is the subset of firehose.Engine that gptresolve needs. Declaring
// it locally lets callers pass a *firehose.Engine and lets tests substitute
// a canned in-memory reader.
type reader interface {
	Read(dst io.Writer, numSectors int, slot, physPart uint8, startSector uint32) error
}

// Partition is one entry of a parsed GPT, trimmed to the fields flashing
// and read-back care about.
type Partition struct {
	Index    int
	Name     string
	StartLBA uint64
	EndLBA   uint64
}

// SectorCount returns the number of sectors the partition spans.
func (p Partition) SectorCount() int { return int(p.EndLBA-p.StartLBA) + 1 }

// Table is a parsed GPT alongside the sector size it was read with.
type Table struct {
	SectorSize int
	Partitions []Partition
}

// Find returns the partition named name, if present.
func (t Table) Find(name string) (Partition, bool) {
	for _, p := range t.Partitions {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}

const gptHeaderFirstUsableLBAOffset = 40 // bytes into a standard 92-byte GPT header

// probeFirstUsableLBA reads enough of a lone GPT header sector to learn
// where the primary table (header + partition entries) ends, without
// requiring the full table to be present yet.
func probeFirstUsableLBA(header []byte) (uint64, error) {
	if len(header) < gptHeaderFirstUsableLBAOffset+8 {
		return 0, qdlerr.New(qdlerr.KindDomainSectorMismatch, "GPT header sector too short to contain first_usable_lba")
	}
	if !bytes.Equal(header[:8], []byte("EFI PART")) {
		return 0, qdlerr.New(qdlerr.KindDomainSectorMismatch, "GPT header signature mismatch")
	}
	return binary.LittleEndian.Uint64(header[gptHeaderFirstUsableLBAOffset : gptHeaderFirstUsableLBAOffset+8]), nil
}

// ReadTable fetches and parses the GPT on the given physical partition:
// first a single sector at LBA 1 to learn the primary table's extent, then
// the full primary table from LBA 0, skipping the protective MBR sector
// before handing the remainder to the GPT parser.
func ReadTable(ch reader, sectorSize int, slot, physPart uint8) (Table, error) {
	var headerSector bytes.Buffer
	if err := ch.Read(&headerSector, 1, slot, physPart, 1); err != nil {
		return Table{}, qdlerr.Wrap(qdlerr.KindDomainSectorMismatch, "reading GPT header sector", err)
	}
	firstUsableLBA, err := probeFirstUsableLBA(headerSector.Bytes())
	if err != nil {
		return Table{}, err
	}

	var primary bytes.Buffer
	if err := ch.Read(&primary, int(firstUsableLBA), slot, physPart, 0); err != nil {
		return Table{}, qdlerr.Wrap(qdlerr.KindDomainSectorMismatch, "reading GPT primary table", err)
	}
	raw := primary.Bytes()
	if len(raw) < sectorSize {
		return Table{}, qdlerr.New(qdlerr.KindDomainSectorMismatch, "GPT primary table read shorter than one sector")
	}
	body := raw[sectorSize:] // drop the protective MBR sector

	lib, err := gpt.ReadTable(bytes.NewReader(body), uint64(sectorSize))
	if err != nil {
		return Table{}, qdlerr.Wrap(qdlerr.KindDomainSectorMismatch, "parsing GPT primary table", err)
	}
	return fromLibrary(lib, sectorSize), nil
}

func fromLibrary(t gpt.Table, sectorSize int) Table {
	out := Table{SectorSize: sectorSize}
	for i, p := range t.Partitions {
		if p.IsEmpty() {
			continue
		}
		out.Partitions = append(out.Partitions, Partition{
			Index:    i,
			Name:     p.Name(),
			StartLBA: p.FirstLBA,
			EndLBA:   p.LastLBA,
		})
	}
	return out
}

// FindPart reads the GPT and returns the partition named name.
func FindPart(ch reader, name string, slot, physPart uint8, sectorSize int) (Partition, error) {
	table, err := ReadTable(ch, sectorSize, slot, physPart)
	if err != nil {
		return Partition{}, err
	}
	part, ok := table.Find(name)
	if !ok {
		return Partition{}, qdlerr.New(qdlerr.KindDomainNotFound, "partition "+name+" not found in GPT")
	}
	return part, nil
}

// PrintTable writes a human-readable partition listing to w, matching the
// layout the host CLI prints for "print gpt".
func PrintTable(w io.Writer, t Table, physPart uint8, storageType string) {
	fmt.Fprintf(w, "GPT on physical partition %d of %s:\n", physPart, storageType)
	for _, p := range t.Partitions {
		sizeBytes := uint64(p.SectorCount()) * uint64(t.SectorSize)
		fmt.Fprintf(w, "%d] %s: start_sector = %d, %d bytes (%d kiB)\n",
			p.Index, p.Name, p.StartLBA, sizeBytes, sizeBytes/1024)
	}
}

// ReadLogicalPartition resolves name to a partition and streams its full
// contents to out.
func ReadLogicalPartition(ch reader, out io.Writer, name string, slot, physPart uint8, sectorSize int) error {
	part, err := FindPart(ch, name, slot, physPart, sectorSize)
	if err != nil {
		return err
	}
	return ch.Read(out, part.SectorCount(), slot, physPart, uint32(part.StartLBA))
}
