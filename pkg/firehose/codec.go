// Package firehose implements the stage-2 Firehose protocol: an
// XML-request/XML-response exchange over the same channel Sahara just
// finished streaming a loader across, carrying raw payload bytes inline
// with commands and flow-controlled by device-advertised buffer sizes.
package firehose

import (
	"bytes"
	"strings"

	"github.com/qualcomm/qdl/pkg/channel"
	"github.com/qualcomm/qdl/pkg/qdlerr"
)

// Attr is one ordered (name, value) attribute pair. Firehose requests
// preserve the caller's attribute order, so Attr is a slice element rather
// than a map entry.
type Attr struct {
	Name  string
	Value string
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

// BuildRequest serializes command and attrs as a compact Firehose request:
// a single root <data> element containing one child whose name is command.
func BuildRequest(command string, attrs []Attr) []byte {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" ?><data><`)
	b.WriteString(command)
	for _, a := range attrs {
		b.WriteByte(' ')
		b.WriteString(a.Name)
		b.WriteString(`="`)
		b.WriteString(xmlEscaper.Replace(a.Value))
		b.WriteByte('"')
	}
	b.WriteString("/></data>")
	return b.Bytes()
}

// Element is one parsed top-level response element: a <log value="…"/> or
// a <response value="ACK"|"NAK" …/>, alongside its full attribute set in the
// order the device sent them.
type Element struct {
	Tag   string
	Attrs []Attr
}

// Get returns the named attribute's value, or "" and false if absent.
func (e Element) Get(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Value returns the element's "value" attribute, or "" if absent.
func (e Element) Value() string {
	v, _ := e.Get("value")
	return v
}

// ResponseReader incrementally parses Firehose response elements off a
// channel, tolerating multiple <data>…</data> documents concatenated in a
// single read and preserving a partial trailing element across reads.
type ResponseReader struct {
	ch      channel.Channel
	pending []byte
}

// NewResponseReader wraps ch for incremental response parsing.
func NewResponseReader(ch channel.Channel) *ResponseReader {
	return &ResponseReader{ch: ch}
}

// Drain removes up to n bytes from the reader's buffered-but-unparsed
// remainder. A response element and the raw payload bytes that follow it
// can arrive in the same underlying channel read; Drain lets a raw-payload
// reader recover those bytes instead of losing them inside the XML parser.
func (r *ResponseReader) Drain(n int) []byte {
	if n > len(r.pending) {
		n = len(r.pending)
	}
	out := r.pending[:n]
	r.pending = r.pending[n:]
	return out
}

// Next blocks until one complete top-level element has been parsed,
// reading further channel buffers as needed.
func (r *ResponseReader) Next() (Element, error) {
	for {
		elem, rest, ok, err := extractElement(r.pending)
		if err != nil {
			return Element{}, err
		}
		if ok {
			r.pending = rest
			return elem, nil
		}
		chunk, err := r.ch.FillBuf()
		if err != nil {
			return Element{}, err
		}
		if len(chunk) == 0 {
			return Element{}, qdlerr.New(qdlerr.KindFramingTruncated, "unexpected EOF during Firehose response")
		}
		r.pending = append(r.pending, chunk...)
		r.ch.Consume(len(chunk))
	}
}

// extractElement strips leading whitespace, XML prologs, and <data>/</data>
// wrapper tags, then returns the next complete self-closing element found
// in buf, also consuming a </data> closing tag that directly follows it so
// that rest starts with whatever the device sent next. ok is false when buf holds only a partial element or wrapper and
// more bytes are needed.
func extractElement(buf []byte) (elem Element, rest []byte, ok bool, err error) {
	b := buf
	for {
		b = bytes.TrimLeft(b, " \t\r\n")
		switch {
		case len(b) == 0:
			return Element{}, buf, false, nil
		case bytes.HasPrefix(b, []byte("<?xml")):
			idx := bytes.Index(b, []byte("?>"))
			if idx < 0 {
				return Element{}, buf, false, nil
			}
			b = b[idx+2:]
		case bytes.HasPrefix(b, []byte("<data>")):
			b = b[len("<data>"):]
		case bytes.HasPrefix(b, []byte("</data>")):
			b = b[len("</data>"):]
		default:
			if b[0] != '<' {
				return Element{}, nil, false, qdlerr.New(qdlerr.KindFramingMalformed, "malformed Firehose response XML")
			}
			end := bytes.Index(b, []byte("/>"))
			if end < 0 {
				return Element{}, buf, false, nil
			}
			tag, attrs, perr := parseSelfClosingTag(b[:end+2])
			if perr != nil {
				return Element{}, nil, false, perr
			}
			rest = b[end+2:]
			if t := bytes.TrimLeft(rest, " \t\r\n"); bytes.HasPrefix(t, []byte("</data>")) {
				rest = t[len("</data>"):]
			}
			return Element{Tag: tag, Attrs: attrs}, rest, true, nil
		}
	}
}

// parseSelfClosingTag parses a single "<tag attr="val" .../>" sequence,
// preserving the attributes in the order they appear on the wire.
func parseSelfClosingTag(raw []byte) (string, []Attr, error) {
	s := string(raw)
	if len(s) < 3 || s[0] != '<' || !strings.HasSuffix(s, "/>") {
		return "", nil, qdlerr.New(qdlerr.KindFramingMalformed, "malformed Firehose response element")
	}
	inner := s[1 : len(s)-2] // strip '<' and '/>'
	sp := strings.IndexAny(inner, " \t\r\n")
	var tag, attrBody string
	if sp < 0 {
		tag, attrBody = inner, ""
	} else {
		tag, attrBody = inner[:sp], inner[sp+1:]
	}

	var attrs []Attr
	rest := strings.TrimSpace(attrBody)
	for len(rest) > 0 {
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return "", nil, qdlerr.New(qdlerr.KindFramingMalformed, "malformed Firehose response attribute")
		}
		name := strings.TrimSpace(rest[:eq])
		rest = strings.TrimLeft(rest[eq+1:], " ")
		if len(rest) == 0 || rest[0] != '"' {
			return "", nil, qdlerr.New(qdlerr.KindFramingMalformed, "malformed Firehose response attribute value")
		}
		rest = rest[1:]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return "", nil, qdlerr.New(qdlerr.KindFramingMalformed, "unterminated Firehose response attribute value")
		}
		attrs = append(attrs, Attr{Name: name, Value: xmlUnescape(rest[:end])})
		rest = strings.TrimSpace(rest[end+1:])
	}
	return strings.ToLower(tag), attrs, nil
}

var xmlUnescaper = strings.NewReplacer(
	"&quot;", `"`,
	"&lt;", "<",
	"&gt;", ">",
	"&amp;", "&",
)

func xmlUnescape(s string) string { return xmlUnescaper.Replace(s) }
