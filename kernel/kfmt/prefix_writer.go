package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. It is used for indenting nested
// reports such as the boot memory map or a heap dump.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set while the sink is positioned after the prefix of an
	// unterminated line.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written, n int
		err        error
		lineStart  int
	)

	for i, b := range p {
		if i == lineStart && !w.midLine {
			if _, err = w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		if b != '\n' {
			continue
		}

		n, err = w.Sink.Write(p[lineStart : i+1])
		written += n
		if err != nil {
			return written, err
		}
		w.midLine = false
		lineStart = i + 1
	}

	if lineStart < len(p) {
		n, err = w.Sink.Write(p[lineStart:])
		written += n
	}

	return written, err
}
