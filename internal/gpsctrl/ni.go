package gpsctrl

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"mbm-gps/internal/atchan"
)

// NiType is the SUPL NI message type reported by the modem.
type NiType int

const (
	NiVerifyAllow NiType = iota
	NiVerifyDeny
	NiNotify
	NiNotifyDenied
)

func (t NiType) String() string {
	switch t {
	case NiVerifyAllow:
		return "verify_allow"
	case NiVerifyDeny:
		return "verify_deny"
	case NiNotify:
		return "notify"
	case NiNotifyDenied:
		return "notify_denied"
	default:
		return fmt.Sprintf("NiType(%d)", int(t))
	}
}

func (t NiType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// NiResponse is the user's answer to a network-initiated request.
type NiResponse int

const (
	NiAccept NiResponse = iota + 1
	NiDeny
	NiNoResponse
)

func (r NiResponse) String() string {
	switch r {
	case NiAccept:
		return "accept"
	case NiDeny:
		return "deny"
	case NiNoResponse:
		return "no_response"
	default:
		return fmt.Sprintf("NiResponse(%d)", int(r))
	}
}

func (r NiResponse) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseNiResponse accepts accept, deny or no_response in any case.
func ParseNiResponse(s string) (NiResponse, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "accept":
		return NiAccept, nil
	case "deny":
		return NiDeny, nil
	case "no_response", "noresponse", "none":
		return NiNoResponse, nil
	default:
		return 0, fmt.Errorf("unknown ni response %q", s)
	}
}

// SuplNiRequest is one network-initiated location request. Requestor and
// client fields are optional in the modem's report; missing types are -1.
type SuplNiRequest struct {
	MessageID       int    `json:"message_id"`
	MessageType     NiType `json:"message_type"`
	RequestorIDType int    `json:"requestor_id_type"`
	RequestorID     string `json:"requestor_id"`
	ClientNameType  int    `json:"client_name_type"`
	ClientName      string `json:"client_name"`
}

// parseNIRequest parses *E2GPSSUPLNI: <x>,<id>,<type>[,<rtype>,"<rid>",<ctype>,"<client>"].
func parseNIRequest(line string) (SuplNiRequest, error) {
	tok := atchan.NewTokenizer(line)
	if err := tok.SkipInts(1); err != nil {
		return SuplNiRequest{}, err
	}
	id, err := tok.NextInt()
	if err != nil {
		return SuplNiRequest{}, err
	}
	typ, err := tok.NextInt()
	if err != nil {
		return SuplNiRequest{}, err
	}
	req := SuplNiRequest{MessageID: id, MessageType: NiType(typ), RequestorIDType: -1, ClientNameType: -1}

	if v, err := tok.NextInt(); err == nil {
		req.RequestorIDType = v
	}
	if v, err := tok.NextStr(); err == nil {
		req.RequestorID = v
	}
	if v, err := tok.NextInt(); err == nil {
		req.ClientNameType = v
	}
	if v, err := tok.NextStr(); err == nil {
		req.ClientName = v
	}
	return req, nil
}

func (c *Controller) onNIRequest(line string) {
	req, err := parseNIRequest(line)
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("bad supl ni request")
		return
	}
	c.deps.Metrics.NIRequest()

	c.niMu.Lock()
	r := req
	c.lastNI = &r
	c.niMu.Unlock()

	log.Info().Int("id", req.MessageID).Stringer("type", req.MessageType).Str("requestor", req.RequestorID).Str("client", req.ClientName).Msg("supl ni request")
	if c.deps.NI == nil {
		log.Warn().Int("id", req.MessageID).Msg("no ni handler, request dropped")
		return
	}
	c.deps.NI.HandleNI(req)
}

// LastNIRequest returns the most recently delivered request.
func (c *Controller) LastNIRequest() (SuplNiRequest, bool) {
	c.niMu.Lock()
	defer c.niMu.Unlock()
	if c.lastNI == nil {
		return SuplNiRequest{}, false
	}
	return *c.lastNI, true
}

// RespondNI answers the most recent NI request. An id that does not match it
// is a late answer and is dropped; sent is false then.
func (c *Controller) RespondNI(id int, resp NiResponse) (sent bool, err error) {
	c.niMu.Lock()
	last := c.lastNI
	c.niMu.Unlock()

	if last == nil || last.MessageID != id {
		log.Debug().Int("id", id).Msg("ni response for a stale request ignored")
		return false, nil
	}

	var allow bool
	switch resp {
	case NiAccept:
		allow = true
	case NiDeny:
		allow = false
	case NiNoResponse:
		allow = last.MessageType != NiVerifyDeny
	default:
		return false, fmt.Errorf("gpsctrl: unknown ni response %d", resp)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendLocked(fmt.Sprintf("AT*E2GPSSUPLNIREPLY=%d,%d", id, boolInt(allow))); err != nil {
		return false, err
	}
	return true, nil
}
