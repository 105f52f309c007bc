package atchan

import (
	"sync"
	"time"
)

// Traffic is one line written to or read from the control port.
type Traffic struct {
	At   time.Time `json:"at"`
	Dir  string    `json:"dir"`
	Line string    `json:"line"`
}

const (
	dirOut = ">"
	dirIn  = "<"
)

// trafficRing keeps the most recent control-port traffic for status output.
type trafficRing struct {
	mu       sync.Mutex
	max      int
	maxBytes int
	entries  []Traffic
}

func newTrafficRing(max int, maxBytes int) *trafficRing {
	if max < 0 {
		max = 0
	}
	if maxBytes <= 0 {
		maxBytes = 512
	}
	return &trafficRing{max: max, maxBytes: maxBytes, entries: make([]Traffic, 0, max)}
}

func (r *trafficRing) add(dir string, line string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max == 0 {
		return
	}
	if len(line) > r.maxBytes {
		line = line[:r.maxBytes]
	}
	e := Traffic{At: time.Now().UTC(), Dir: dir, Line: line}
	if len(r.entries) < r.max {
		r.entries = append(r.entries, e)
		return
	}
	copy(r.entries, r.entries[1:])
	r.entries[len(r.entries)-1] = e
}

func (r *trafficRing) snapshot() []Traffic {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Traffic, len(r.entries))
	copy(out, r.entries)
	return out
}
