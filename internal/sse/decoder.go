// Package sse decodes Server-Sent Events byte streams into frames.
//
// The decoder works on raw bytes and only turns a frame into a string once
// its closing blank line has arrived, so a multi-byte UTF-8 sequence that is
// split across two network reads is reassembled before it is ever decoded.
package sse

import (
	"bytes"
	"strings"
)

// delimiters are the blank lines a frame can end with. Each line ending is
// either LF or CRLF, and servers mix them.
var delimiters = [][]byte{
	[]byte("\n\n"),
	[]byte("\r\n\r\n"),
	[]byte("\n\r\n"),
	[]byte("\r\n\n"),
}

// Frame is one complete SSE event: the lines between two blank lines.
type Frame struct {
	// Event is the value of the "event:" field, empty for the default type.
	Event string
	// Data is the payload of all "data:" lines joined with "\n".
	Data string
}

// Decoder accumulates chunks and splits them into frames. A Decoder belongs
// to exactly one stream and is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the buffer and returns every frame that is now
// complete, in arrival order. Frames without a non-empty payload are
// dropped. Whatever follows the last delimiter stays buffered.
func (d *Decoder) Feed(chunk []byte) []Frame {
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx, width := nextDelimiter(d.buf)
		if idx < 0 {
			break
		}
		block := d.buf[:idx]
		d.buf = d.buf[idx+width:]

		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}

	// Compact so a long stream of small frames doesn't pin the backing array.
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Pending reports how many undelimited bytes are buffered.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Close ends the stream. Unterminated trailing data is discarded and its
// size returned so the caller can log it.
func (d *Decoder) Close() int {
	n := len(d.buf)
	d.buf = nil
	return n
}

// nextDelimiter finds the earliest blank line in b. It returns the offset
// of the delimiter and its length, or -1.
func nextDelimiter(b []byte) (int, int) {
	idx, width := -1, 0
	for _, d := range delimiters {
		i := bytes.Index(b, d)
		if i >= 0 && (idx < 0 || i < idx) {
			idx, width = i, len(d)
		}
	}
	return idx, width
}

// parseBlock interprets the lines of a single frame.
func parseBlock(block []byte) (Frame, bool) {
	var (
		f       Frame
		data    []string
		hasData bool
	)
	for _, raw := range strings.Split(string(block), "\n") {
		line := strings.TrimSuffix(raw, "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "data":
			hasData = true
			data = append(data, value)
		case "event":
			f.Event = value
		}
	}
	if !hasData {
		return Frame{}, false
	}
	f.Data = strings.Join(data, "\n")
	if strings.TrimSpace(f.Data) == "" {
		return Frame{}, false
	}
	return f, true
}
