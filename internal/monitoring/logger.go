// Package monitoring holds the process-level logger and the selection of
// the ops, diag and trace log streams handed to each package's SetLogWriters.
package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Streams are the writers for the three log streams. A nil writer disables
// its stream.
type Streams struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// NewStreams always enables ops; diag and trace follow the flags. Trace
// implies diag.
func NewStreams(w io.Writer, debug, trace bool) Streams {
	s := Streams{Ops: w}
	if debug || trace {
		s.Diag = w
	}
	if trace {
		s.Trace = w
	}
	return s
}

// Apply passes the streams to each setter, typically the SetLogWriters
// functions of the packages in use.
func (s Streams) Apply(setters ...func(ops, diag, trace io.Writer)) {
	for _, set := range setters {
		set(s.Ops, s.Diag, s.Trace)
	}
}
