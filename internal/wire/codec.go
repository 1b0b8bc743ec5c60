// Package wire implements the newline-delimited JSON framing pair used both
// for the control protocol (CLI <-> master) and worker IPC (master <-> child)
// per spec §4.1. It is grounded on the teacher's bufio.Reader line-reading
// loop in main.go's worker.watch(), generalized from a log-line reader into
// a bidirectional frame decoder that tolerates fragmented reads.
package wire

import (
	"bytes"
	"encoding/json"
)

// Encode returns the textual JSON form of v followed by a single '\n'.
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	b = append(b, '\n')
	return b, nil
}

// Decoder accumulates bytes across reads and yields one JSON object per
// newline-terminated line, silently dropping lines that are not JSON
// objects (arrays, scalars, syntax errors) rather than failing — per spec
// §4.1 "never fatal".
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends newly-read bytes and returns every complete, well-formed
// JSON-object frame found so far. Any trailing partial line is kept for the
// next call.
func (d *Decoder) Feed(chunk []byte) []json.RawMessage {
	d.buf.Write(chunk)
	var out []json.RawMessage
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		d.buf.Next(idx + 1)
		if msg, ok := parseObject(line); ok {
			out = append(out, msg)
		}
	}
	return out
}

// parseObject reports whether line is a syntactically valid JSON object
// (not an array or scalar), returning it verbatim if so.
func parseObject(line []byte) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, false
	}
	if trimmed[0] != '{' {
		return nil, false
	}
	var probe json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, false
	}
	// Confirm it decodes into a map, not e.g. a bare object-looking string.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, false
	}
	return json.RawMessage(trimmed), true
}
