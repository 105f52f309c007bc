package atchan

import (
	"bytes"
	"strings"
)

const (
	CRLF   = "\r\n"
	Prompt = "> "
	Esc    = "\x1b"

	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"
)

// Kind classifies one line read from the control port.
type Kind int

const (
	// KindFinal terminates the command in flight.
	KindFinal Kind = iota
	// KindLine is either an intermediate response or an unsolicited line,
	// depending on what the command in flight expects.
	KindLine
	// KindPrompt asks for the payload of a transparent command.
	KindPrompt
)

// Splitter is a bufio.SplitFunc that splits on CRLF (or a bare LF) and also
// yields the "> " payload prompt, which the modem sends without a terminator.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[:len(Prompt)], nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r"), nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func Classify(line string) Kind {
	if line == Prompt {
		return KindPrompt
	}
	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return KindFinal
	}
	if strings.HasPrefix(line, CmeError) || strings.HasPrefix(line, CmsError) {
		return KindFinal
	}
	return KindLine
}

func isSuccess(final string) bool {
	return final == OK
}
