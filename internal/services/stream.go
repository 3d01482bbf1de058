package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	dataPrefix   = "data: "
	commentMark  = ":"
	doneSentinel = "[DONE]"
)

// SplitLines splits buf into its complete lines, without their terminating newline, and the unterminated
// remainder. Feeding the same text to a LineBuffer in any number of chunks yields the same lines.
func SplitLines(buf string) (lines []string, rest string) {
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			return lines, buf
		}
		lines = append(lines, buf[:i])
		buf = buf[i+1:]
	}
}

// LineBuffer accumulates bytes received from a stream and hands them out line by line. Bytes after the last
// newline stay in the buffer until a later write completes the line.
type LineBuffer struct {
	buf []byte
}

// Write appends p to the buffer. It never fails.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Next removes and returns the next complete line, without its newline. It returns false if the buffer
// holds no newline.
func (b *LineBuffer) Next() (string, bool) {
	i := bytes.IndexByte(b.buf, '\n')
	if i < 0 {
		return "", false
	}
	line := string(b.buf[:i])
	b.buf = b.buf[i+1:]
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return line, true
}

// HasLine reports whether the buffer holds a complete line.
func (b *LineBuffer) HasLine() bool {
	return bytes.IndexByte(b.buf, '\n') >= 0
}

// Unread pushes line, with its newline, back onto the front of the buffer.
func (b *LineBuffer) Unread(line string) {
	nb := make([]byte, 0, len(line)+1+len(b.buf))
	nb = append(nb, line...)
	nb = append(nb, '\n')
	b.buf = append(nb, b.buf...)
}

// Rest returns the buffered bytes that are not yet consumed.
func (b *LineBuffer) Rest() string {
	return string(b.buf)
}

// Len returns the number of buffered bytes.
func (b *LineBuffer) Len() int {
	return len(b.buf)
}

// Reset discards the buffered bytes.
func (b *LineBuffer) Reset() {
	b.buf = nil
}

type lineKind int

const (
	lineSkip lineKind = iota
	lineDelta
	lineDone
	lineTruncated
	lineMalformed
)

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

// decodeLine classifies one complete line of the event stream and extracts its content delta.
func decodeLine(line string) (lineKind, string) {
	line = strings.TrimSuffix(line, "\r")
	if line == "" || strings.HasPrefix(line, commentMark) {
		return lineSkip, ""
	}
	if !strings.HasPrefix(line, dataPrefix) {
		return lineSkip, ""
	}

	payload := strings.TrimSpace(line[len(dataPrefix):])
	if payload == doneSentinel {
		return lineDone, ""
	}

	var chunk streamChunk
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&chunk); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return lineTruncated, ""
		}
		return lineMalformed, ""
	}
	if dec.InputOffset() < int64(len(payload)) {
		return lineMalformed, ""
	}

	if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
		return lineSkip, ""
	}
	return lineDelta, chunk.Choices[0].Delta.Content
}

// DeltaDecoder turns the chunks of a chat completion event stream into content deltas.
//
// A data line whose JSON payload ends early is pushed back onto the buffer when it is the last complete line
// received, and decoding of the current chunk stops; the line is retried once the next chunk arrives. A
// truncated line followed by further complete lines, one still truncated on retry, or one that is not valid
// JSON at all is dropped and counted.
type DeltaDecoder struct {
	lines LineBuffer

	// pending is set while the front of the buffer holds a pushed back line.
	pending bool
	done    bool
	dropped int
}

// Feed appends chunk to the buffer and decodes every complete line available. It reports done once the
// sentinel line has been seen; later calls return no deltas.
func (d *DeltaDecoder) Feed(chunk []byte) ([]string, bool) {
	if d.done {
		return nil, true
	}
	if len(chunk) == 0 {
		return nil, false
	}

	_, _ = d.lines.Write(chunk)

	retry := d.pending
	d.pending = false

	var deltas []string
	for {
		line, ok := d.lines.Next()
		if !ok {
			return deltas, false
		}

		kind, delta := decodeLine(line)
		switch kind {
		case lineDone:
			d.done = true
			d.lines.Reset()
			return deltas, true
		case lineDelta:
			deltas = append(deltas, delta)
		case lineTruncated:
			// With complete lines already behind it the line cannot be continued, so it is not held back.
			if !retry && !d.lines.HasLine() {
				d.lines.Unread(line)
				d.pending = true
				return deltas, false
			}
			d.dropped++
		case lineMalformed:
			d.dropped++
		case lineSkip:
		}
		retry = false
	}
}

// Flush decodes whatever is left in the buffer once the transport has no more data, including a final line
// without newline. Nothing is pushed back. The decoder is done afterwards.
func (d *DeltaDecoder) Flush() []string {
	if d.done {
		return nil
	}
	d.done = true
	d.pending = false

	var deltas []string
	lines, rest := SplitLines(d.lines.Rest())
	if rest != "" {
		lines = append(lines, rest)
	}
	d.lines.Reset()

	for _, line := range lines {
		kind, delta := decodeLine(line)
		switch kind {
		case lineDone:
			return deltas
		case lineDelta:
			deltas = append(deltas, delta)
		case lineTruncated, lineMalformed:
			d.dropped++
		case lineSkip:
		}
	}
	return deltas
}

// Done reports whether the stream has ended, either by sentinel or by Flush.
func (d *DeltaDecoder) Done() bool {
	return d.done
}

// Dropped returns the number of data lines that could not be decoded.
func (d *DeltaDecoder) Dropped() int {
	return d.dropped
}
