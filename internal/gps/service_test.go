package gps

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mbm-gps/internal/gpsctrl"
	"mbm-gps/internal/nmea"
)

const (
	ggaLine = "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	rmcLine = "$GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
)

func TestService_OpenSequence(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.init(t)
	h.waitReady(t)
	p := h.port(t)

	got := h.dialer.modem(0).commands()
	want := []string{
		"AT*EMRDY?",
		"ATE0Q0V1",
		"AT",
		`AT+CSCS="UTF-8"`,
		`AT+CGDCONT=25,"IP",""`,
		`AT*EIAAUW=25,1,"","",00001`,
		"AT*E2CERTUN=1",
		`AT*E2GPSSUPL=1,25,"",0`,
		"AT*E2GPSSUPLNI=0",
		"AT*EEGPSEEDATA=0",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("open sequence mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Status{StatusEngineOn}, h.rec.statusList()); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	if p.activated.Load() != 0 {
		t.Fatalf("nmea port activated before start")
	}
	snap := h.svc.Snapshot()
	if snap.SessionID == "" {
		t.Fatalf("expected a session id")
	}
	if !snap.Session.Ready {
		t.Fatalf("expected device ready in snapshot")
	}
}

func TestService_StartAfterReady(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.init(t)
	h.waitReady(t)
	p := h.port(t)

	if err := h.svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m := h.dialer.modem(0)
	if !m.has("AT*E2GPSCTL=4,1") {
		t.Fatalf("missing start command, got %v", m.commands())
	}
	if p.activated.Load() != 1 {
		t.Fatalf("nmea port not activated")
	}
	waitFor(t, "session begin", func() bool {
		return len(h.rec.statusList()) == 2
	})
	if diff := cmp.Diff([]Status{StatusEngineOn, StatusSessionBegin}, h.rec.statusList()); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}

	if err := h.svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !m.has("AT*E2GPSCTL=0") {
		t.Fatalf("missing stop command, got %v", m.commands())
	}
	waitFor(t, "session end", func() bool {
		return len(h.rec.statusList()) == 3
	})
}

func TestService_StartBeforeReadyIsDeferred(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	if err := h.svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !h.svc.Controller().Session().ShouldStart {
		t.Fatalf("expected start to be remembered")
	}
	h.init(t)
	h.waitReady(t)

	if !h.dialer.modem(0).has("AT*E2GPSCTL=4,1") {
		t.Fatalf("deferred start not carried out, got %v", h.dialer.modem(0).commands())
	}
	if diff := cmp.Diff([]Status{StatusEngineOn, StatusSessionBegin}, h.rec.statusList()); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestService_CleanupDuringReadyWait(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = 30 * time.Second
	h := newHarness(t, cfg, &fakeDialer{silentReady: true})
	h.init(t)
	waitFor(t, "ready wait", func() bool {
		return h.svc.Snapshot().State == "waiting_ready"
	})

	start := time.Now()
	h.svc.Cleanup()
	if d := time.Since(start); d > time.Second {
		t.Fatalf("cleanup took %v", d)
	}
	if got := h.svc.Snapshot().State; got != "stopped" {
		t.Fatalf("state=%q want stopped", got)
	}
	if len(h.rec.statusList()) != 0 {
		t.Fatalf("no status expected, got %v", h.rec.statusList())
	}
	if err := h.svc.Init(context.Background()); err == nil {
		t.Fatalf("expected Init after Cleanup to fail")
	}
}

func TestService_ReadyTimeoutGoesAhead(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, &fakeDialer{silentReady: true})
	h.init(t)
	h.waitReady(t)
}

func TestService_UnsolicitedReadyEndsWait(t *testing.T) {
	cfg := testConfig()
	cfg.ReadyTimeout = 30 * time.Second
	h := newHarness(t, cfg, &fakeDialer{silentReady: true})
	h.init(t)
	waitFor(t, "ready wait", func() bool {
		return h.svc.Snapshot().State == "waiting_ready"
	})
	// A push racing an in-flight poll is taken as the poll's response line,
	// so keep announcing until the wait ends.
	m := h.dialer.modem(0)
	waitFor(t, "ready", func() bool {
		if h.svc.Snapshot().State == "ready" {
			return true
		}
		m.push("*EMRDY: 1")
		return false
	})
	if got := len(h.dialer.modem(0).commands()); got == 0 {
		t.Fatalf("expected at least the ready poll")
	}
}

func TestService_NMEAForwarding(t *testing.T) {
	var sunk []string
	sinkCh := make(chan string, 8)
	h := &harness{dialer: &fakeDialer{}, ports: make(chan *fakePort, 8), rec: &recorder{}}
	h.svc = New(testConfig(), Deps{
		Dialer: h.dialer,
		OpenNMEA: func(ctx context.Context) (NMEAPort, error) {
			p := newFakePort()
			h.ports <- p
			return p, nil
		},
		Sink: nmea.SinkFunc(func(s string) { sinkCh <- s }),
	})
	t.Cleanup(h.svc.Cleanup)
	h.init(t)
	h.waitReady(t)
	p := h.port(t)

	p.lines <- []byte("garbage")
	p.lines <- []byte("$GLGSV,1,1,00*65\r\n")
	p.lines <- []byte(ggaLine + "\r\n")
	p.lines <- []byte(rmcLine + "\r\n")

	for len(sunk) < 2 {
		select {
		case s := <-sinkCh:
			sunk = append(sunk, s)
		case <-time.After(3 * time.Second):
			t.Fatalf("sink got %v", sunk)
		}
	}
	if diff := cmp.Diff([]string{ggaLine, rmcLine}, sunk); diff != "" {
		t.Fatalf("sink mismatch (-want +got):\n%s", diff)
	}

	waitFor(t, "fix", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.fixes) == 1
	})
	h.rec.mu.Lock()
	fix := h.rec.fixes[0]
	lines := append([]string(nil), h.rec.nmea...)
	h.rec.mu.Unlock()

	if diff := cmp.Diff([]string{ggaLine, rmcLine}, lines); diff != "" {
		t.Fatalf("reported sentences mismatch (-want +got):\n%s", diff)
	}
	if fix.Flags&nmea.HasLatLong == 0 || fix.Flags&nmea.HasAltitude == 0 {
		t.Fatalf("fix flags=%b", fix.Flags)
	}
	if fix.LatDeg < 48.1 || fix.LatDeg > 48.2 {
		t.Fatalf("lat=%v", fix.LatDeg)
	}

	snap := h.svc.Snapshot()
	if snap.Malformed != 1 {
		t.Fatalf("malformed=%d want 1", snap.Malformed)
	}
	if snap.NMEALines != 2 {
		t.Fatalf("nmea lines=%d want 2", snap.NMEALines)
	}
	if snap.LastFix == nil {
		t.Fatalf("expected last fix in snapshot")
	}
}

func TestService_DeviceLostReconnects(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.init(t)
	h.waitReady(t)
	first := h.port(t)
	if err := h.svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_ = h.dialer.modem(0).conn.Close()

	waitFor(t, "second dial", func() bool { return h.dialer.dials.Load() == 2 })
	second := h.port(t)
	h.waitReady(t)
	waitFor(t, "statuses", func() bool { return len(h.rec.statusList()) == 5 })

	want := []Status{StatusEngineOn, StatusSessionBegin, StatusEngineOff, StatusEngineOn, StatusSessionBegin}
	if diff := cmp.Diff(want, h.rec.statusList()); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
	select {
	case <-first.closed:
	default:
		t.Fatalf("old nmea port not closed")
	}
	if second.activated.Load() != 1 {
		t.Fatalf("running session not restored on new port")
	}
	if !h.dialer.modem(1).has("AT*E2GPSCTL=4,1") {
		t.Fatalf("session not restarted, got %v", h.dialer.modem(1).commands())
	}
	if h.power.n.Load() != 1 {
		t.Fatalf("reset calls=%d want 1", h.power.n.Load())
	}
	if h.svc.Snapshot().Reconnects != 1 {
		t.Fatalf("reconnects=%d want 1", h.svc.Snapshot().Reconnects)
	}
}

func TestService_NIRequestAndResponse(t *testing.T) {
	cfg := testConfig()
	cfg.EnableNI = true
	h := newHarness(t, cfg, nil)
	h.init(t)
	h.waitReady(t)

	m := h.dialer.modem(0)
	m.push(`*E2GPSSUPLNI: 1,7,1,2,"+4670000",0,"client"`)
	waitFor(t, "ni", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.nis) == 1
	})
	h.rec.mu.Lock()
	n := h.rec.nis[0]
	h.rec.mu.Unlock()

	want := Notification{
		ID:                  7,
		Type:                "UMTS_SUPL",
		Flags:               NeedVerify | NeedNotify,
		TimeoutSec:          30,
		DefaultResponse:     gpsctrl.NiDeny,
		RequestorID:         "+4670000",
		Text:                "client",
		RequestorIDEncoding: "UCS2",
		TextEncoding:        "UCS2",
	}
	if diff := cmp.Diff(want, n); diff != "" {
		t.Fatalf("notification mismatch (-want +got):\n%s", diff)
	}

	if err := h.svc.NI().Respond(6, gpsctrl.NiAccept); err != nil {
		t.Fatalf("Respond stale: %v", err)
	}
	if err := h.svc.NI().Respond(7, gpsctrl.NiAccept); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if m.has("AT*E2GPSSUPLNIREPLY=6,1") {
		t.Fatalf("stale reply must not be sent")
	}
	if !m.has("AT*E2GPSSUPLNIREPLY=7,1") {
		t.Fatalf("reply not sent, got %v", m.commands())
	}
}

func TestService_EphemerisDownloadReported(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	comp := &fakeCompanion{}
	h.svc.AttachCompanion(comp)
	h.init(t)
	h.waitReady(t)

	h.dialer.modem(0).push(`*EEGPSEEDATA: 0,4,"http://example.net/pgps.bin"`)
	waitFor(t, "agps status", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.agps) == 1
	})
	comp.mu.Lock()
	downloads := append([]string(nil), comp.downloads...)
	comp.mu.Unlock()
	if diff := cmp.Diff([]string{"http://example.net/pgps.bin"}, downloads); diff != "" {
		t.Fatalf("downloads mismatch (-want +got):\n%s", diff)
	}
	h.rec.mu.Lock()
	got := h.rec.agps[0]
	h.rec.mu.Unlock()
	if diff := cmp.Diff(AgpsStatus{Type: "PGPS", Status: AgpsDownloadRequested, ID: 4}, got); diff != "" {
		t.Fatalf("agps status mismatch (-want +got):\n%s", diff)
	}

	h.svc.PgpsFailed()
	waitFor(t, "failure status", func() bool {
		h.rec.mu.Lock()
		defer h.rec.mu.Unlock()
		return len(h.rec.agps) == 2 && h.rec.agps[1].Status == AgpsDownloadFailed
	})
}

func TestService_RequestInfoOnReady(t *testing.T) {
	cfg := testConfig()
	cfg.RequestInfoOnReady = true
	h := newHarness(t, cfg, nil)
	comp := &fakeCompanion{}
	h.svc.AttachCompanion(comp)
	h.init(t)
	h.waitReady(t)

	comp.mu.Lock()
	defer comp.mu.Unlock()
	if comp.infoReqs != 1 {
		t.Fatalf("info requests=%d want 1", comp.infoReqs)
	}
}

func TestService_SuplFallsBackWhileRoaming(t *testing.T) {
	cfg := testConfig()
	cfg.PrefMode = gpsctrl.ModeSupl
	h := newHarness(t, cfg, nil)
	h.init(t)
	h.waitReady(t)

	h.svc.SetMobileData(true)
	h.svc.SetBackgroundData(true)
	h.svc.SetRoamingAllowed(false)
	h.svc.NetworkState(true, true, "0")

	if err := h.svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m := h.dialer.modem(0)
	if !m.has("AT*E2GPSCTL=1,2") {
		t.Fatalf("expected standalone start, got %v", m.commands())
	}
	if m.has("AT*E2GPSSTAT=1") {
		t.Fatalf("supl status reports must stay off in standalone")
	}
	if m.has("AT*EEGPSEEDATA=1") {
		t.Fatalf("eedata is only sent in pgps mode")
	}

	_ = h.svc.Stop()
	h.svc.SetRoamingAllowed(true)
	if err := h.svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !m.has("AT*E2GPSSTAT=1") || !m.has("AT*E2GPSCTL=3,2") {
		t.Fatalf("expected supl start, got %v", m.commands())
	}
}

func TestService_NetworkStateBeforeInitIsKept(t *testing.T) {
	cfg := testConfig()
	cfg.PrefMode = gpsctrl.ModeSupl
	h := newHarness(t, cfg, nil)

	h.svc.NetworkState(true, true, "0")
	h.svc.SetMobileData(true)
	h.svc.SetBackgroundData(true)
	h.svc.SetRoamingAllowed(false)
	s := h.svc.Controller().Session()
	if !s.Connected || !s.Roaming || s.NetworkType != "0" {
		t.Fatalf("network state not recorded before init: %+v", s)
	}
	if h.dialer.dials.Load() != 0 {
		t.Fatalf("device opened before init")
	}

	h.init(t)
	h.waitReady(t)
	if err := h.svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m := h.dialer.modem(0)
	if !m.has("AT*E2GPSCTL=1,2") {
		t.Fatalf("expected standalone start while roaming, got %v", m.commands())
	}
	if m.has("AT*E2GPSSTAT=1") || m.has("AT*E2GPSCTL=3,2") {
		t.Fatalf("supl started while roaming with roaming data off: %v", m.commands())
	}
}

func TestService_CleanupWaitsForQueuedHandlers(t *testing.T) {
	d := newBlockingDispatcher()
	h := newHarnessWithDispatcher(t, testConfig(), nil, d)
	h.init(t)
	h.waitReady(t)

	h.dialer.modem(0).push("*E2CERTUN: 0,12,3")
	select {
	case <-d.started:
	case <-time.After(3 * time.Second):
		t.Fatalf("certificate handler never queued")
	}

	cleaned := make(chan struct{})
	go func() {
		h.svc.Cleanup()
		close(cleaned)
	}()
	select {
	case <-cleaned:
		t.Fatalf("Cleanup returned while a queued handler was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(d.release)
	select {
	case <-cleaned:
	case <-time.After(3 * time.Second):
		t.Fatalf("Cleanup did not return after the handler finished")
	}
	if !d.finished.Load() {
		t.Fatalf("Cleanup returned before the handler finished")
	}
}
