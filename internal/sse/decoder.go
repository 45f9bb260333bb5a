// Package sse decodes the conversation backend's Server-Sent Events stream into
// text fragments.
//
// The decoder is fed raw chunks exactly as the transport returns them. Chunk
// boundaries may fall anywhere, including inside a field name, a JSON token, a
// multi-byte rune or the blank-line delimiter itself; the sequence of events
// produced does not depend on where they fall.
package sse

import (
	"errors"
	"io"
	"strings"
	"unicode"

	encunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// ChallengeMessage is delivered in place of a chunk that carries an HTML
// challenge page instead of event-stream data.
const ChallengeMessage = "Error: Cloudflare/edge returned an HTML challenge. Refresh the page or check the server."

// challengeMarkers identify edge/CDN interstitial pages.
var challengeMarkers = []string{
	`<form id="challenge-form"`,
	`<title>Attention Required</title>`,
}

const dataField = "data:"

// Decoder turns a chunked event stream into Events.
// A Decoder belongs to a single stream and is not safe for concurrent use.
type Decoder struct {
	utf8    transform.Transformer
	pending []byte // undecoded tail of the previous chunk
	buf     []byte // decoded text not yet framed into events
}

// NewDecoder creates a decoder for one stream.
func NewDecoder() *Decoder {
	return &Decoder{
		utf8: encunicode.UTF8BOM.NewDecoder(),
	}
}

// Feed consumes the next raw chunk and returns the events it completed, in
// stream order.
func (d *Decoder) Feed(chunk []byte) []Event {
	return d.feedText(d.decode(chunk, false))
}

// Flush finishes the stream. Events completed by the final bytes are returned
// first, followed by a best-effort event built from any content left without a
// terminating blank line.
func (d *Decoder) Flush() []Event {
	events := d.feedText(d.decode(nil, true))

	leftover := string(d.buf)
	d.buf = d.buf[:0]
	if strings.TrimSpace(leftover) == "" {
		return events
	}

	text := leftover
	if payload, ok := dataPayload(leftover); ok {
		if payload == "" {
			return events
		}
		text = payload
	}
	return append(events, Interpret(text).Event())
}

// Buffered returns the decoded text waiting for a delimiter.
func (d *Decoder) Buffered() string {
	return string(d.buf)
}

func (d *Decoder) feedText(text string) []Event {
	if text == "" {
		return nil
	}
	if isChallenge(text) {
		return []Event{{Kind: KindChallenge, Text: ChallengeMessage}}
	}
	d.buf = append(d.buf, text...)
	return d.extract()
}

// decode converts raw bytes to text, holding back an incomplete trailing UTF-8
// sequence until more input arrives or atEOF is set.
func (d *Decoder) decode(chunk []byte, atEOF bool) string {
	if len(chunk) == 0 && len(d.pending) == 0 && !atEOF {
		return ""
	}

	src := make([]byte, 0, len(d.pending)+len(chunk))
	src = append(src, d.pending...)
	src = append(src, chunk...)

	// Invalid bytes expand to a 3-byte replacement rune.
	dst := make([]byte, 3*len(src)+4)
	var out []byte
	for {
		nDst, nSrc, err := d.utf8.Transform(dst, src, atEOF)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		if errors.Is(err, transform.ErrShortDst) && (nDst > 0 || nSrc > 0) {
			continue
		}
		break
	}

	d.pending = append(d.pending[:0], src...)
	if atEOF {
		d.pending = d.pending[:0]
	}
	return string(out)
}

// extract frames every complete event currently in the buffer.
func (d *Decoder) extract() []Event {
	var events []Event
	start := 0
	for {
		idx, width, ok := findDelimiter(d.buf[start:])
		if !ok {
			break
		}
		raw := string(d.buf[start : start+idx])
		start += idx + width

		payload, ok := dataPayload(raw)
		if !ok || payload == "" {
			continue
		}
		events = append(events, Interpret(payload).Event())
	}
	if start > 0 {
		d.buf = append(d.buf[:0], d.buf[start:]...)
	}
	return events
}

// findDelimiter locates the first blank line in b: "\n\n" or "\n\r\n".
// It never reports a delimiter past a position that cannot be decided yet, so
// framing is the same however the input was chunked.
func findDelimiter(b []byte) (idx, width int, ok bool) {
	for i := 0; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		if i+1 >= len(b) {
			return 0, 0, false
		}
		switch b[i+1] {
		case '\n':
			return i, 2, true
		case '\r':
			if i+2 >= len(b) {
				return 0, 0, false
			}
			if b[i+2] == '\n' {
				return i, 3, true
			}
		}
	}
	return 0, 0, false
}

// dataPayload concatenates the values of every data: line in raw.
// ok is false when raw has no data: line at all.
func dataPayload(raw string) (payload string, ok bool) {
	var b strings.Builder
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if !strings.HasPrefix(line, dataField) {
			continue
		}
		ok = true
		b.WriteString(strings.TrimLeftFunc(line[len(dataField):], unicode.IsSpace))
	}
	return b.String(), ok
}

func isChallenge(text string) bool {
	for _, marker := range challengeMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// Decode reads r to the end and returns every event in the stream.
func Decode(r io.Reader) ([]Event, error) {
	d := NewDecoder()
	var events []Event
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			events = append(events, d.Feed(buf[:n])...)
		}
		if err == io.EOF {
			return append(events, d.Flush()...), nil
		}
		if err != nil {
			return events, err
		}
	}
}
