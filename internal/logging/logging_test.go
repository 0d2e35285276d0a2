package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestHasFmtVerb(t *testing.T) {
	cases := map[string]bool{
		"plain message":      false,
		"value is %d":        true,
		"loaded %s from %v":  true,
		"100%% done":         false,
		"trailing percent %": false,
	}
	for in, want := range cases {
		if got := hasFmtVerb(in); got != want {
			t.Errorf("hasFmtVerb(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != LevelDebug {
		t.Error("expected DEBUG to parse as LevelDebug")
	}
	if ParseLevel("warning") != LevelWarn {
		t.Error("expected warning to parse as LevelWarn")
	}
	if ParseLevel("nonsense") != LevelInfo {
		t.Error("expected unknown level to fall back to LevelInfo")
	}
}

func TestStructuredAndPrintfOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(&Config{Level: LevelDebug, Output: &buf})
	defer Init(nil)

	L_info("backup: pushed", "label", "nightly")
	L_warn("reconnect in %s", "5s")
	L_debug("hidden detail")

	out := buf.String()
	if !strings.Contains(out, "backup: pushed") || !strings.Contains(out, "label=nightly") {
		t.Errorf("structured log missing fields: %q", out)
	}
	if !strings.Contains(out, "reconnect in 5s") {
		t.Errorf("printf log not formatted: %q", out)
	}
	if !strings.Contains(out, "hidden detail") {
		t.Errorf("debug log missing at debug level: %q", out)
	}

	buf.Reset()
	SetLevel(LevelWarn)
	L_info("should not appear")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}
