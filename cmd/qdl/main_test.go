//go:build unit

package main

import "testing"

func TestRunRequiresLoaderPath(t *testing.T) {
	err := run([]string{"-storage-type", "emmc", "nop"})
	if err == nil {
		t.Fatal("expected an error when -loader-path is omitted")
	}
}

func TestRunRejectsUnknownStorageType(t *testing.T) {
	err := run([]string{"-loader-path", "/nonexistent", "-storage-type", "bogus", "nop"})
	if err == nil {
		t.Fatal("expected an error for an unknown storage type")
	}
}

func TestRunRejectsUnknownResetMode(t *testing.T) {
	err := run([]string{"-loader-path", "/nonexistent", "-storage-type", "emmc", "-reset-mode", "bogus", "nop"})
	if err == nil {
		t.Fatal("expected an error for an unknown reset mode")
	}
}

func TestRunWithNoCommandErrors(t *testing.T) {
	err := run([]string{})
	if err == nil {
		t.Fatal("expected an error when no command is given")
	}
}
