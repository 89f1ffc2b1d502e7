//go:build unit

package main

import "testing"

func TestRunRequiresInputXML(t *testing.T) {
	err := run([]string{"-o", "/tmp"})
	if err == nil {
		t.Fatal("expected an error when input_xml is omitted")
	}
}

func TestRunRejectsMissingFile(t *testing.T) {
	err := run([]string{"/nonexistent/input.xml"})
	if err == nil {
		t.Fatal("expected an error for a missing input file")
	}
}
