// Package vip prepares Validated Image Programming hash tables and the MBN
// header that accompanies them, so a program-file script can be externally
// signed before it is replayed against a device that enforces VIP.
package vip

import (
	"crypto/sha256"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/qualcomm/qdl/pkg/firehose"
	"github.com/qualcomm/qdl/pkg/programfile"
	"github.com/qualcomm/qdl/pkg/qdlerr"
)

const digestSize = sha256.Size

// maxDigestsPerFile caps the primary table at 53 entries; the 54th slot is
// reserved for the hash of the first chained table, when one exists.
const maxDigestsPerFile = 54 - 1

// CalcHashes computes one SHA-256 digest per program-file directive (hashing
// the exact bytes the Firehose engine would transmit for that request), plus
// one further digest per send_buffer_size chunk of any file the directive
// attaches.
func CalcHashes(xmlPath string, sendBufferSize int) ([][]byte, error) {
	raw, err := os.ReadFile(xmlPath)
	if err != nil {
		return nil, qdlerr.Wrap(qdlerr.KindHostIO, "reading program file "+xmlPath, err)
	}
	elems, err := programfile.ParseElements(raw)
	if err != nil {
		return nil, err
	}
	xmlDir := filepath.Dir(xmlPath)

	var digests [][]byte
	for _, e := range elems {
		packet := buildRequestPacket(e)
		sum := sha256.Sum256(packet)
		digests = append(digests, sum[:])

		filename, ok := e.Attr("filename")
		if !ok || filename == "" {
			continue
		}
		filePath := filepath.Join(xmlDir, filename)
		if _, statErr := os.Stat(filePath); statErr != nil {
			continue
		}
		fileDigests, err := hashFileChunks(filePath, sendBufferSize)
		if err != nil {
			return nil, err
		}
		digests = append(digests, fileDigests...)
	}
	return digests, nil
}

// buildRequestPacket re-derives the exact Firehose request bytes a directive
// would produce, so its hash matches what the wire transmission will carry.
func buildRequestPacket(e programfile.Element) []byte {
	return firehose.BuildRequest(e.Tag, e.Attrs)
}

func hashFileChunks(path string, chunkSize int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, qdlerr.Wrap(qdlerr.KindHostIO, "opening "+path, err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	var digests [][]byte
	for {
		n, err := f.Read(buf)
		if n > 0 {
			sum := sha256.Sum256(buf[:n])
			digests = append(digests, sum[:])
		}
		if err != nil {
			break
		}
	}
	return digests, nil
}

// mbnHeaderV3 is the 40-byte little-endian MBN v3 header that precedes the
// primary digest table in signme.mbn.
type mbnHeaderV3 struct {
	ImageID         uint32
	HeaderVerNum    uint32
	ImageSrc        uint32
	ImageDestPtr    uint32
	ImageSize       uint32
	CodeSize        uint32
	SignaturePtr    uint32
	SignatureSize   uint32
	CertChainPtr    uint32
	CertChainSize   uint32
}

func (h mbnHeaderV3) marshal() []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], h.ImageID)
	binary.LittleEndian.PutUint32(buf[4:8], h.HeaderVerNum)
	binary.LittleEndian.PutUint32(buf[8:12], h.ImageSrc)
	binary.LittleEndian.PutUint32(buf[12:16], h.ImageDestPtr)
	binary.LittleEndian.PutUint32(buf[16:20], h.ImageSize)
	binary.LittleEndian.PutUint32(buf[20:24], h.CodeSize)
	binary.LittleEndian.PutUint32(buf[24:28], h.SignaturePtr)
	binary.LittleEndian.PutUint32(buf[28:32], h.SignatureSize)
	binary.LittleEndian.PutUint32(buf[32:36], h.CertChainPtr)
	binary.LittleEndian.PutUint32(buf[36:40], h.CertChainSize)
	return buf
}

// GenHashTables splits digests into a primary table (at most 53 entries,
// written inline in signme.mbn) and, when there are more, a chain of
// auxiliary tables written to tables.bin. Each chained table's trailing 32
// bytes are the SHA-256 of the table that follows it, so a verifier can walk
// tables.bin from the front once it trusts the first table's hash; the chain
// is built in reverse so every table can embed the already-computed hash of
// its successor. signme.mbn carries only that first table's hash, which
// roots the whole chain.
func GenHashTables(digests [][]byte, outputDir string, maxTableSize int) error {
	chainedTableElemCount := maxTableSize / digestSize

	var primary, aux [][]byte
	if len(digests) >= maxDigestsPerFile {
		primary = digests[:maxDigestsPerFile]
		aux = digests[maxDigestsPerFile:]
	} else {
		primary = digests
		aux = nil
	}

	chunkLen := chainedTableElemCount - 1
	var chains [][][]byte
	for i := 0; i < len(aux); i += chunkLen {
		end := i + chunkLen
		if end > len(aux) {
			end = len(aux)
		}
		chains = append(chains, aux[i:end])
	}

	// chainedInOrder[i] is the fully-built table for chains[i] (its digests
	// plus the hash of chainedInOrder[i+1]); building back-to-front lets
	// each table embed its successor's already-computed hash.
	chainedInOrder := make([][]byte, len(chains))
	var nextHash []byte
	for i := len(chains) - 1; i >= 0; i-- {
		entry := concat(chains[i])
		entry = append(entry, nextHash...)
		chainedInOrder[i] = entry

		sum := sha256.Sum256(entry)
		nextHash = sum[:]
	}

	mbnTableSize := len(primary) * digestSize
	if len(aux) > 0 {
		mbnTableSize += digestSize
	}

	hdr := mbnHeaderV3{
		ImageID:      26,
		HeaderVerNum: 3,
		ImageSrc:     40,
		ImageSize:    uint32(mbnTableSize),
		CodeSize:     uint32(mbnTableSize),
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return qdlerr.Wrap(qdlerr.KindHostIO, "creating VIP output directory", err)
	}

	mbn, err := os.Create(filepath.Join(outputDir, "signme.mbn"))
	if err != nil {
		return qdlerr.Wrap(qdlerr.KindHostIO, "creating signme.mbn", err)
	}
	defer mbn.Close()

	if _, err := mbn.Write(hdr.marshal()); err != nil {
		return qdlerr.Wrap(qdlerr.KindHostIO, "writing signme.mbn header", err)
	}
	if _, err := mbn.Write(concat(primary)); err != nil {
		return qdlerr.Wrap(qdlerr.KindHostIO, "writing primary digests", err)
	}

	if len(chainedInOrder) > 0 {
		rootHash := sha256.Sum256(chainedInOrder[0])
		if _, err := mbn.Write(rootHash[:]); err != nil {
			return qdlerr.Wrap(qdlerr.KindHostIO, "writing chained-table root hash", err)
		}

		auxFile, err := os.Create(filepath.Join(outputDir, "tables.bin"))
		if err != nil {
			return qdlerr.Wrap(qdlerr.KindHostIO, "creating tables.bin", err)
		}
		defer auxFile.Close()
		if _, err := auxFile.Write(concat(chainedInOrder)); err != nil {
			return qdlerr.Wrap(qdlerr.KindHostIO, "writing tables.bin", err)
		}
	}

	return nil
}

func concat(chunks [][]byte) []byte {
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
