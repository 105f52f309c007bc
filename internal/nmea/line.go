package nmea

import (
	"bytes"
	"errors"
	"strings"
)

const terminator = "\r\n"

var ErrMalformedLine = errors.New("nmea: line not terminated by CRLF")

// Line is one sentence read from the port with its terminator removed.
type Line string

// ParseLine frames the bytes of a single read. Anything shorter than the
// terminator, or not ending in it, is rejected.
func ParseLine(b []byte) (Line, error) {
	if len(b) < len(terminator) || !bytes.HasSuffix(b, []byte(terminator)) {
		return "", ErrMalformedLine
	}
	return Line(b[:len(b)-len(terminator)]), nil
}

// Relevant reports whether a line carries a GPS talker sentence worth
// forwarding.
func Relevant(l Line) bool {
	return len(l) > 3 && strings.Contains(string(l), "$GP")
}
