package companion

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrParse = errors.New("companion: parse error")

const (
	TagAirplaneMode      = "AIRPLANE_MODE"
	TagNetworkInfo       = "EXTRA_NETWORK_INFO"
	TagOtherNetworkInfo  = "EXTRA_OTHER_NETWORK_INFO"
	TagNoConnectivity    = "EXTRA_NO_CONNECTIVITY"
	TagBackgroundData    = "BACKGROUND_DATA_SETTING"
	TagMobileDataAllowed = "MOBILE_DATA_ALLOWED"
	TagRoamingAllowed    = "ROAMING_ALLOWED"
	TagAnyDataState      = "ANY_DATA_STATE"
	TagApnInfo           = "APN_INFO"
	TagNoApnDefined      = "NO_APN_DEFINED"
	TagOperatorInfo      = "OPERATOR_INFO"
	TagPgpsData          = "MSG_PGPS_DATA"
)

const (
	fieldDelimiter = '\n'

	maxApnLen      = 255
	maxUserLen     = 255
	maxPassLen     = 255
	maxPathLen     = 255
	maxAuthTypeLen = 10
	maxIDLen       = 10
)

// tagOrder is the match order. Longer tags that contain a shorter one come
// first.
var tagOrder = []string{
	TagBackgroundData,
	TagMobileDataAllowed,
	TagRoamingAllowed,
	TagApnInfo,
	TagPgpsData,
	TagOtherNetworkInfo,
	TagNetworkInfo,
	TagNoConnectivity,
	TagAirplaneMode,
	TagAnyDataState,
	TagNoApnDefined,
	TagOperatorInfo,
}

// Message is one inbound frame split at its first ':'.
type Message struct {
	Tag  string
	Data string
}

// ParseMessage recognizes the tag in the text before the first ':'. Unknown
// tags are returned with an empty Tag.
func ParseMessage(text string) Message {
	head, data, ok := strings.Cut(text, ":")
	if !ok {
		data = ""
	}
	for _, tag := range tagOrder {
		if strings.Contains(head, tag) {
			return Message{Tag: tag, Data: data}
		}
	}
	return Message{Data: data}
}

// ParseBool reports whether a flag value is true. Anything that does not
// contain "true" is false.
func ParseBool(data string) bool {
	return strings.Contains(data, "true")
}

// ParseField extracts the value following tag up to the next newline. The
// value must be shorter than max.
func ParseField(data string, tag string, max int) (string, error) {
	i := strings.Index(data, tag)
	if i < 0 {
		return "", fmt.Errorf("%w: missing %q", ErrParse, tag)
	}
	rest := data[i+len(tag):]
	j := strings.IndexByte(rest, fieldDelimiter)
	if j < 0 {
		return "", fmt.Errorf("%w: unterminated %q", ErrParse, tag)
	}
	if j > max-1 {
		return "", fmt.Errorf("%w: %q longer than %d", ErrParse, tag, max-1)
	}
	return rest[:j], nil
}

// looseField is ParseField for the last field of a message, which has no
// trailing delimiter.
func looseField(data string, tag string) (string, bool) {
	i := strings.Index(data, tag)
	if i < 0 {
		return "", false
	}
	rest := data[i+len(tag):]
	if j := strings.IndexByte(rest, fieldDelimiter); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest), true
}

// ApnInfo is a parsed APN_INFO message.
type ApnInfo struct {
	APN      string
	User     string
	Password string
	AuthType string
}

// ParseApnInfo requires every field; a missing or oversized one rejects the
// whole update.
func ParseApnInfo(data string) (ApnInfo, error) {
	var info ApnInfo
	var err error
	if info.APN, err = ParseField(data, "apn=", maxApnLen); err != nil {
		return ApnInfo{}, err
	}
	if info.User, err = ParseField(data, "user=", maxUserLen); err != nil {
		return ApnInfo{}, err
	}
	if info.Password, err = ParseField(data, "pass=", maxPassLen); err != nil {
		return ApnInfo{}, err
	}
	if info.AuthType, err = ParseField(data, "authtype=", maxAuthTypeLen); err != nil {
		return ApnInfo{}, err
	}
	return info, nil
}

// PgpsData is a parsed MSG_PGPS_DATA message. Failed is set when the
// companion reports that the download did not succeed.
type PgpsData struct {
	Failed bool
	ID     int
	Path   string
}

func ParsePgpsData(data string) (PgpsData, error) {
	if strings.Contains(data, "failed") {
		return PgpsData{Failed: true}, nil
	}
	sid, err := ParseField(data, "id=", maxIDLen)
	if err != nil {
		return PgpsData{}, err
	}
	path, err := ParseField(data, "path=", maxPathLen)
	if err != nil {
		return PgpsData{}, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(sid))
	if err != nil {
		return PgpsData{}, fmt.Errorf("%w: id %q", ErrParse, sid)
	}
	return PgpsData{ID: id, Path: path}, nil
}

// NetworkInfo is a parsed EXTRA_NETWORK_INFO message.
type NetworkInfo struct {
	Type    string
	Roaming bool
}

func ParseNetworkInfo(data string) (NetworkInfo, error) {
	kind, ok := looseField(data, "type=")
	if !ok {
		return NetworkInfo{}, fmt.Errorf("%w: missing %q", ErrParse, "type=")
	}
	roaming, ok := looseField(data, "roaming=")
	if !ok {
		return NetworkInfo{}, fmt.Errorf("%w: missing %q", ErrParse, "roaming=")
	}
	return NetworkInfo{Type: kind, Roaming: ParseBool(roaming)}, nil
}
