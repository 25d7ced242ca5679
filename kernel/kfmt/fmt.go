// Package kfmt provides the kernel's output facilities: a Printf that works
// before any console is attached, structured per-module loggers and the
// panic path used when an invariant is violated.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	sinkMu sync.Mutex
)

// sinkWriter serializes writes to whatever sink is active at the time of
// the write.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the writer that all kfmt output goes through.
func GetOutputSink() io.Writer {
	return sinkWriter{}
}

// Printf formats according to a format specifier and writes to the active
// output sink. If no sink is attached, the output is buffered into a
// ring-buffer and replayed once SetOutputSink is called.
func Printf(format string, args ...interface{}) {
	Fprintf(sinkWriter{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}
