package monitoring

import (
	"bytes"
	"io"
	"testing"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) { called = true })
	Logf("test message")
	if !called {
		t.Error("custom logger was not called")
	}

	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("no-op logger should not have triggered the previous callback")
	}
}

func TestNewStreams(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		name             string
		debug, trace     bool
		wantDiag, wantTr bool
	}{
		{"ops only", false, false, false, false},
		{"debug", true, false, true, false},
		{"trace implies diag", false, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStreams(&buf, tt.debug, tt.trace)
			if s.Ops == nil {
				t.Error("ops stream must always be enabled")
			}
			if (s.Diag != nil) != tt.wantDiag {
				t.Errorf("diag enabled = %v, want %v", s.Diag != nil, tt.wantDiag)
			}
			if (s.Trace != nil) != tt.wantTr {
				t.Errorf("trace enabled = %v, want %v", s.Trace != nil, tt.wantTr)
			}
		})
	}
}

func TestStreamsApply(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreams(&buf, true, false)

	calls := 0
	set := func(ops, diag, trace io.Writer) {
		calls++
		if ops != &buf || diag != &buf || trace != nil {
			t.Errorf("setter got ops=%v diag=%v trace=%v", ops, diag, trace)
		}
	}
	s.Apply(set, set)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
