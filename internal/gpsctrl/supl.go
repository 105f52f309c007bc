package gpsctrl

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/warthog618/sms/encoding/ucs2"

	"mbm-gps/internal/atchan"
)

// SuplCID is the PDP context the modem uses for SUPL traffic.
const SuplCID = 25

// SuplConfig is what the modem needs to reach a SUPL server.
type SuplConfig struct {
	APN         string `json:"apn"`
	User        string `json:"user,omitempty"`
	Password    string `json:"-"`
	AuthType    string `json:"auth_type,omitempty"`
	Server      string `json:"server,omitempty"`
	AllowUncert bool   `json:"allow_uncert"`
	EnableNI    bool   `json:"enable_ni"`
}

// ApnInfo is an APN update from the companion process.
type ApnInfo struct {
	APN      string
	User     string
	Password string
	AuthType string
}

// defaultSuplConfig denies untrusted certificates and network-initiated
// requests until configuration says otherwise.
func defaultSuplConfig() SuplConfig {
	return SuplConfig{}
}

// InitSupl sets the trust and NI policy and pushes the whole cached SUPL
// configuration to the modem. Any failing step aborts the rest.
func (c *Controller) InitSupl(allowUncert bool, enableNI bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.supl.AllowUncert = allowUncert
	c.supl.EnableNI = enableNI
	c.suplInitialized = false
	if err := c.applySuplLocked(); err != nil {
		return err
	}
	c.suplInitialized = true
	return nil
}

func (c *Controller) applySuplLocked() error {
	if err := c.setApnLocked(); err != nil {
		return err
	}
	if err := c.sendLocked("AT*E2CERTUN=1"); err != nil {
		return err
	}
	if err := c.setServerLocked(); err != nil {
		return err
	}
	return c.sendLocked(fmt.Sprintf("AT*E2GPSSUPLNI=%d", boolInt(c.supl.EnableNI)))
}

// SetSuplServer caches the server and sends it when the device is ready.
func (c *Controller) SetSuplServer(server string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.supl.Server = server
	if !c.sess.Ready {
		return nil
	}
	return c.setServerLocked()
}

// SetApnInfo caches APN credentials and sends them once SUPL has been
// initialized on a ready device.
func (c *Controller) SetApnInfo(info ApnInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.supl.APN = info.APN
	c.supl.User = info.User
	c.supl.Password = info.Password
	c.supl.AuthType = info.AuthType
	if !c.suplInitialized || !c.sess.Ready {
		return nil
	}
	return c.setApnLocked()
}

func (c *Controller) setServerLocked() error {
	return c.sendLocked(fmt.Sprintf(`AT*E2GPSSUPL=1,%d,"%s",%d`, SuplCID, c.supl.Server, boolInt(c.supl.EnableNI)))
}

func (c *Controller) setApnLocked() error {
	if err := c.sendLocked(fmt.Sprintf(`AT+CGDCONT=%d,"IP","%s"`, SuplCID, c.supl.APN)); err != nil {
		return err
	}
	return c.networkAuthLocked()
}

// authBits maps an Android APN auth type to the AT*EIAAUW bitmap.
func authBits(authType string) string {
	n, err := strconv.Atoi(strings.TrimSpace(authType))
	if err != nil {
		n = 0
	}
	switch n {
	case 0:
		return "00001"
	case 1:
		return "00011"
	case 2:
		return "00101"
	default:
		return "00111"
	}
}

// ucs2Hex renders s as the hex form of its UCS-2 encoding, which is how the
// modem expects string parameters while the UCS2 character set is active.
func ucs2Hex(s string) string {
	return hex.EncodeToString(ucs2.Encode([]rune(s)))
}

func (c *Controller) networkAuthLocked() error {
	m, err := c.readyModemLocked()
	if err != nil {
		return err
	}
	auth := authBits(c.supl.AuthType)
	user, pass := c.supl.User, c.supl.Password

	if !strings.ContainsRune(user, '\\') && !strings.ContainsRune(pass, '\\') {
		return m.Send(fmt.Sprintf(`AT*EIAAUW=%d,1,"%s","%s",%s`, SuplCID, user, pass, auth))
	}

	// The firmware only accepts some characters in credentials when they are
	// sent as UCS-2, so switch charsets around the command.
	old := currentCharset(m)
	if err := m.Send(`AT+CSCS="UCS2"`); err != nil {
		return err
	}
	err = m.Send(fmt.Sprintf(`AT*EIAAUW=%d,1,"%s","%s",%s`, SuplCID, ucs2Hex(user), ucs2Hex(pass), auth))
	if rerr := m.Send(fmt.Sprintf(`AT+CSCS="%s"`, ucs2Hex(old))); rerr != nil {
		log.Error().Err(rerr).Str("charset", old).Msg("failed to restore character set")
	}
	return err
}

// currentCharset reads AT+CSCS?. Charsets the modem reports that are not plain
// byte charsets are treated as UCS-2.
func currentCharset(m Modem) string {
	line, err := m.SendSingleline("AT+CSCS?", "+CSCS:")
	if err != nil {
		log.Warn().Err(err).Msg("could not read character set, assuming UTF-8")
		return "UTF-8"
	}
	cs, err := atchan.NewTokenizer(line).NextStr()
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("could not parse character set, assuming UTF-8")
		return "UTF-8"
	}
	switch {
	case cs == "GSM", cs == "IRA", strings.HasPrefix(cs, "8859"), cs == "UTF-8":
		return cs
	default:
		return "UCS-2"
	}
}

// onCertUnknown answers the modem's question about an untrusted SUPL server
// certificate with the configured policy.
func (c *Controller) onCertUnknown(line string) {
	tok := atchan.NewTokenizer(line)
	if err := tok.SkipInts(1); err != nil {
		log.Warn().Err(err).Str("line", line).Msg("bad certificate event")
		return
	}
	msgID, err := tok.NextInt()
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("bad certificate event")
		return
	}
	appID, err := tok.NextInt()
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("bad certificate event")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	allow := c.supl.AllowUncert
	log.Info().Int("msg_id", msgID).Int("app_id", appID).Bool("allow", allow).Msg("unknown supl certificate")
	logErr(c.sendLocked(fmt.Sprintf("AT*E2CERTUNREPLY=%d,%d", msgID, boolInt(allow))), "certificate reply failed")
}

// onGPSStatus watches the SUPL failure flag, the fifth field. A failure
// restarts the engine, which then falls back to standalone.
func (c *Controller) onGPSStatus(line string) {
	tok := atchan.NewTokenizer(line)
	if err := tok.SkipInts(4); err != nil {
		log.Warn().Err(err).Str("line", line).Msg("bad gps status event")
		return
	}
	suplFailed, err := tok.NextInt()
	if err != nil {
		log.Warn().Err(err).Str("line", line).Msg("bad gps status event")
		return
	}
	if suplFailed == 0 {
		return
	}

	log.Info().Msg("supl failed, falling back to standalone")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sess.Fallback = true
	logErr(c.startLocked(), "fallback restart failed")
}
