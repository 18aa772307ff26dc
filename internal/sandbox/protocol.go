// Package sandbox implements the subprocess JSON-line protocol used when a
// driver runs in sandboxed worker mode: the parent spawns a worker binary,
// the worker streams driver.AgenticMessage values as one JSON object per
// line on stdout, and the final line is always a USAGE message carrying the
// accumulated usage for the whole invocation.
package sandbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/agentflow/agentflow/internal/driver"
)

// Encoder writes one driver.AgenticMessage per line to w, flushing after
// each write so a reading parent sees messages as they are produced.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder wraps w for line-delimited AgenticMessage output.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes msg as one JSON line and flushes.
func (e *Encoder) Encode(msg driver.AgenticMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("sandbox: marshal message: %w", err)
	}
	if _, err := e.w.Write(b); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{'\n'}); err != nil {
		return err
	}
	return e.w.Flush()
}

// Decoder reads one driver.AgenticMessage per line from a worker's stdout.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r for reading a worker's JSON-line stream.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next message, or io.EOF once the stream is exhausted.
func (d *Decoder) Next() (driver.AgenticMessage, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return driver.AgenticMessage{}, fmt.Errorf("sandbox: read worker output: %w", err)
		}
		return driver.AgenticMessage{}, io.EOF
	}
	line := d.scanner.Bytes()
	var msg driver.AgenticMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return driver.AgenticMessage{}, fmt.Errorf("sandbox: decode worker line %q: %w", line, err)
	}
	return msg, nil
}
