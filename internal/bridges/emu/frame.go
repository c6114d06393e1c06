package emu

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxFrameBytes bounds an unterminated frame.
const DefaultMaxFrameBytes = 64 * 1024

// Frame is one parsed device message: its root tag and the text of each
// child element, keyed by the device's own field names, in document order.
type Frame struct {
	Tag    string
	Fields *Fields
}

// Assembler accumulates device lines into frames.
//
// Each line is stripped and appended to the current buffer. A line that
// starts with "</" completes the frame, which is then parsed. The buffer is
// cleared after every completion, successful or not.
//
// An Assembler is owned by a single reader goroutine and is not safe for
// concurrent use.
type Assembler struct {
	buf      strings.Builder
	maxBytes int
}

// NewAssembler returns an Assembler. maxBytes <= 0 selects DefaultMaxFrameBytes.
func NewAssembler(maxBytes int) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	return &Assembler{maxBytes: maxBytes}
}

// Feed adds one line.
//
// Returns:
//   - (frame, nil) when the line completed a well-formed frame
//   - (nil, nil) when more lines are needed
//   - (nil, err) when the completed buffer was malformed or too large;
//     the buffer has been discarded
func (a *Assembler) Feed(line string) (*Frame, error) {
	line = strings.TrimSpace(line)
	a.buf.WriteString(line)

	if !strings.HasPrefix(line, "</") {
		if a.buf.Len() > a.maxBytes {
			size := a.buf.Len()
			a.Reset()
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
		}
		return nil, nil
	}

	raw := a.buf.String()
	a.Reset()
	return ParseFrame(raw)
}

// Reset discards any partially assembled frame.
func (a *Assembler) Reset() {
	a.buf.Reset()
}

// ParseFrame parses raw frame text into its root tag and child fields.
// Text nested below a child element is concatenated into that child's value.
func ParseFrame(raw string) (*Frame, error) {
	dec := xml.NewDecoder(strings.NewReader(raw))

	var root string
	for root == "" {
		tok, err := dec.Token()
		if err != nil {
			return nil, frameError(err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se.Name.Local
		}
	}

	frame := &Frame{Tag: root, Fields: &Fields{}}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, frameError(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			text, err := elementText(dec)
			if err != nil {
				return nil, frameError(err)
			}
			frame.Fields.set(t.Name.Local, text)
		case xml.EndElement:
			return frame, nil
		}
	}
}

// elementText collects character data up to the end of the current element.
func elementText(dec *xml.Decoder) (string, error) {
	var b strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			b.Write(t)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func frameError(err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected end of frame", ErrFrameParse)
	}
	return fmt.Errorf("%w: %w", ErrFrameParse, err)
}
