package gpsctrl

import (
	"strings"
	"sync"
)

const (
	prefixNIRequest   = "*E2GPSSUPLNI:"
	prefixEphemeris   = "*EEGPSEEDATA:"
	prefixCertUnknown = "*E2CERTUN:"
	prefixGPSStatus   = "*E2GPSSTAT:"
)

// QueuedEvent is an unsolicited line whose handler issues AT commands and so
// must run off the reader goroutine.
type QueuedEvent struct {
	Prefix string
	Line   string
	Handle func(line string)
}

type Dispatcher interface {
	Dispatch(ev QueuedEvent)
}

// GoDispatcher runs every event on its own goroutine. Two events dispatched
// back to back may run in either order; every prefix routed here must be
// safe against that.
type GoDispatcher struct {
	wg sync.WaitGroup
}

func (d *GoDispatcher) Dispatch(ev QueuedEvent) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ev.Handle(ev.Line)
	}()
}

// Wait blocks until every dispatched event has finished.
func (d *GoDispatcher) Wait() {
	d.wg.Wait()
}

// HandleUnsolicited routes one unsolicited line. It runs on the AT reader
// goroutine and reports whether the line was recognized.
func (c *Controller) HandleUnsolicited(line string) bool {
	switch {
	case strings.HasPrefix(line, prefixNIRequest):
		c.deps.Metrics.Unsolicited(prefixNIRequest)
		c.onNIRequest(line)
	case strings.HasPrefix(line, prefixEphemeris):
		c.deps.Metrics.Unsolicited(prefixEphemeris)
		c.onEphemerisURL(line)
	case strings.HasPrefix(line, prefixCertUnknown):
		c.deps.Metrics.Unsolicited(prefixCertUnknown)
		c.deps.Dispatcher.Dispatch(QueuedEvent{Prefix: prefixCertUnknown, Line: line, Handle: c.onCertUnknown})
	case strings.HasPrefix(line, prefixGPSStatus):
		c.deps.Metrics.Unsolicited(prefixGPSStatus)
		c.deps.Dispatcher.Dispatch(QueuedEvent{Prefix: prefixGPSStatus, Line: line, Handle: c.onGPSStatus})
	default:
		return false
	}
	return true
}
