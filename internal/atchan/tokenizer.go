package atchan

import (
	"errors"
	"strconv"
	"strings"
)

var ErrNoToken = errors.New("atchan: no more tokens")

// Tokenizer walks the comma separated fields of a response line such as
//
//	*E2GPSSUPLNI: 1,7,0,2,"+4670000",0,"client"
//
// Quoted fields may contain commas.
type Tokenizer struct {
	rest string
	ok   bool
}

// NewTokenizer positions the tokenizer after the first ':' of line. A line
// without ':' yields an exhausted tokenizer.
func NewTokenizer(line string) *Tokenizer {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return &Tokenizer{}
	}
	return &Tokenizer{rest: strings.TrimLeft(line[i+1:], " "), ok: true}
}

func (t *Tokenizer) HasMore() bool {
	return t != nil && t.ok
}

func (t *Tokenizer) next() (string, error) {
	if !t.HasMore() {
		return "", ErrNoToken
	}
	s := strings.TrimLeft(t.rest, " ")
	if strings.HasPrefix(s, "\"") {
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			t.ok = false
			return "", errors.New("atchan: unterminated quoted field")
		}
		tok := s[1 : 1+end]
		s = s[2+end:]
		if i := strings.IndexByte(s, ','); i >= 0 {
			t.rest = s[i+1:]
		} else {
			t.rest = ""
			t.ok = false
		}
		return tok, nil
	}
	if i := strings.IndexByte(s, ','); i >= 0 {
		t.rest = s[i+1:]
		return strings.TrimSpace(s[:i]), nil
	}
	t.rest = ""
	t.ok = false
	return strings.TrimSpace(s), nil
}

func (t *Tokenizer) NextInt() (int, error) {
	s, err := t.next()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

func (t *Tokenizer) NextStr() (string, error) {
	return t.next()
}

// SkipInts discards n integer fields.
func (t *Tokenizer) SkipInts(n int) error {
	for i := 0; i < n; i++ {
		if _, err := t.NextInt(); err != nil {
			return err
		}
	}
	return nil
}
