package pipeline

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogWriters_Streams(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	SetLogWriters(&ops, &diag, &trace)
	defer SetLogWriters(nil, nil, nil)

	opsf("ops %d", 1)
	diagf("diag %d", 2)
	tracef("trace %d", 3)

	for name, tc := range map[string]struct {
		buf  *bytes.Buffer
		want string
	}{
		"ops":   {&ops, "ops 1"},
		"diag":  {&diag, "diag 2"},
		"trace": {&trace, "trace 3"},
	} {
		out := tc.buf.String()
		if !strings.Contains(out, tc.want) || !strings.Contains(out, "[pipeline]") {
			t.Errorf("%s stream = %q, want %q with [pipeline] prefix", name, out, tc.want)
		}
	}
}

func TestSetLegacyLogger(t *testing.T) {
	var buf bytes.Buffer
	SetLegacyLogger(&buf)
	defer SetLogWriters(nil, nil, nil)

	opsf("a")
	tracef("b")
	if got := strings.Count(buf.String(), "[pipeline]"); got != 2 {
		t.Errorf("legacy logger wrote %d lines, want 2: %q", got, buf.String())
	}

	SetLegacyLogger(nil)
	if opsLogger != nil || diagLogger != nil || traceLogger != nil {
		t.Fatal("all loggers should be nil after SetLegacyLogger(nil)")
	}
	opsf("discarded")
}
