//go:build unit

package vip

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/qualcomm/qdl/testutil"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("writing fixture %s: %v", path, err)
	}
	return path
}

func TestCalcHashesCountsPerDirectiveAndFileChunks(t *testing.T) {
	dir := testutil.TempDir(t)
	writeFile(t, dir, "payload.bin", testutil.MakeRandomBytes(10))
	xmlPath := writeFile(t, dir, "prog.xml", []byte(`<?xml version="1.0"?>
<data>
<nop/>
<program filename="payload.bin" num_partition_sectors="1"/>
</data>`))

	digests, err := CalcHashes(xmlPath, 4)
	testutil.AssertNoError(t, err, "CalcHashes")
	// 2 directive digests + ceil(10/4)=3 file-chunk digests.
	testutil.AssertEqual(t, len(digests), 5, "digest count")
	for _, d := range digests {
		testutil.AssertEqual(t, len(d), sha256.Size, "digest size")
	}
}

func TestCalcHashesSkipsMissingAttachedFile(t *testing.T) {
	dir := testutil.TempDir(t)
	xmlPath := writeFile(t, dir, "prog.xml", []byte(`<?xml version="1.0"?>
<data>
<program filename="missing.bin" num_partition_sectors="1"/>
</data>`))

	digests, err := CalcHashes(xmlPath, 64)
	testutil.AssertNoError(t, err, "CalcHashes with missing attached file")
	testutil.AssertEqual(t, len(digests), 1, "only the directive digest itself")
}

func TestGenHashTablesSingleDigestNoAux(t *testing.T) {
	outDir := testutil.TempDir(t)
	digests := [][]byte{make([]byte, sha256.Size)}

	err := GenHashTables(digests, outDir, 2048)
	testutil.AssertNoError(t, err, "GenHashTables")

	info, err := os.Stat(filepath.Join(outDir, "signme.mbn"))
	testutil.AssertNoError(t, err, "stat signme.mbn")
	testutil.AssertEqual(t, info.Size(), int64(72), "signme.mbn size with one digest")

	if _, err := os.Stat(filepath.Join(outDir, "tables.bin")); err == nil {
		t.Fatalf("expected tables.bin to be absent when there is no aux chain")
	}
}

func TestGenHashTablesChainedCase(t *testing.T) {
	outDir := testutil.TempDir(t)
	digests := make([][]byte, 54)
	for i := range digests {
		d := make([]byte, sha256.Size)
		d[0] = byte(i)
		digests[i] = d
	}

	err := GenHashTables(digests, outDir, 2048)
	testutil.AssertNoError(t, err, "GenHashTables chained case")

	info, err := os.Stat(filepath.Join(outDir, "signme.mbn"))
	testutil.AssertNoError(t, err, "stat signme.mbn")
	testutil.AssertEqual(t, info.Size(), int64(1768), "signme.mbn size with 54 digests")

	tablesInfo, err := os.Stat(filepath.Join(outDir, "tables.bin"))
	testutil.AssertNoError(t, err, "expected tables.bin to exist for the chained case")
	testutil.AssertEqual(t, tablesInfo.Size(), int64(32), "tables.bin holds exactly the one aux digest")
}

func TestGenHashTables100DigestsOneChainedTable(t *testing.T) {
	outDir := testutil.TempDir(t)
	digests := make([][]byte, 100)
	for i := range digests {
		d := make([]byte, sha256.Size)
		d[0] = byte(i)
		digests[i] = d
	}

	err := GenHashTables(digests, outDir, 4096)
	testutil.AssertNoError(t, err, "GenHashTables with 100 digests")

	info, err := os.Stat(filepath.Join(outDir, "signme.mbn"))
	testutil.AssertNoError(t, err, "stat signme.mbn")
	testutil.AssertEqual(t, info.Size(), int64(40+53*32+32), "signme.mbn size with 100 digests")

	tablesInfo, err := os.Stat(filepath.Join(outDir, "tables.bin"))
	testutil.AssertNoError(t, err, "expected tables.bin for 47 aux digests")
	testutil.AssertEqual(t, tablesInfo.Size(), int64(47*32), "tables.bin holds 47 digests in one chained table")
}
