// Package kfmt provides the kernel's formatted output facilities. Output is
// buffered in a ring buffer until a sink (usually the boot terminal) is
// attached via SetOutputSink.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console and TTYs are initialized.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink. Messages emitted by kernel subsystems are prefixed with the
// subsystem name in brackets, e.g. "[pmm] free frames: 3840".
//
// If no sink has been attached yet, the output is buffered into a ring buffer
// whose contents get flushed to the sink when SetOutputSink is invoked.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	_, _ = fmt.Fprintf(w, format, args...)
}

// sinkWriter forwards writes to the output sink that is active at the time
// of the write.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}

// Output returns an io.Writer that sends its output to the active output
// sink or, if no sink has been attached, to the early ring buffer.
func Output() io.Writer {
	return sinkWriter{}
}
