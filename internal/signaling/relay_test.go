package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	fakes "github.com/bzinkan/SchoolPilot-sub002/internal/testutil"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

const minimalSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

var (
	offerSDP  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: minimalSDP}
	answerSDP = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: minimalSDP}
	candidate = webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 192.168.1.2 54321 typ host"}
)

type fixture struct {
	registry *websocket.Registry
	relay    *Relay
	metrics  *metrics.Metrics
	device   *fakes.FakeConnection
	viewer   *fakes.FakeConnection
	identity types.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry(), "test")
	registry := websocket.NewRegistry(nil, m)
	device := fakes.Device("dev-1", "school-1")
	viewer := fakes.Teacher("teacher-1", "school-1")
	if err := registry.RegisterDevice(device); err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	if err := registry.RegisterStaff(viewer); err != nil {
		t.Fatalf("RegisterStaff failed: %v", err)
	}
	return &fixture{
		registry: registry,
		relay:    NewRelay(registry, DefaultConfig(), nil, m),
		metrics:  m,
		device:   device,
		viewer:   viewer,
		identity: viewer.Identity(),
	}
}

// negotiate drives a session to AnswerReceived
func (f *fixture) negotiate(t *testing.T) {
	t.Helper()
	if _, err := f.relay.Start(context.Background(), f.identity, "dev-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.relay.Offer("teacher-1", "dev-1", offerSDP); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if err := f.relay.Answer("dev-1", "teacher-1", answerSDP); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
}

func (f *fixture) state(t *testing.T) State {
	t.Helper()
	session, ok := f.relay.Session("teacher-1", "dev-1")
	if !ok {
		return StateClosed
	}
	return session.State
}

func TestRelay_HappyPath(t *testing.T) {
	f := newFixture(t)

	session, err := f.relay.Start(context.Background(), f.identity, "dev-1")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if session.State != StateIdle || session.SchoolID != "school-1" {
		t.Errorf("Unexpected session: %+v", session)
	}

	event, ok := f.device.WaitForEvent(types.EventRequestStream, time.Second)
	if !ok {
		t.Fatal("device did not receive request-stream")
	}
	var request RequestStream
	if err := json.Unmarshal(event.Payload, &request); err != nil {
		t.Fatalf("bad request-stream payload: %v", err)
	}
	if request.ViewerID != "teacher-1" || len(request.ICEServers) != 1 {
		t.Errorf("Unexpected request-stream: %+v", request)
	}

	if err := f.relay.Offer("teacher-1", "dev-1", offerSDP); err != nil {
		t.Fatalf("Offer failed: %v", err)
	}
	if f.state(t) != StateOfferSent {
		t.Errorf("Expected offer-sent, got %s", f.state(t))
	}
	if _, ok := f.device.WaitForEvent(types.EventOffer, time.Second); !ok {
		t.Error("device did not receive the offer")
	}

	if err := f.relay.Candidate(SideViewer, "teacher-1", "dev-1", candidate); err != nil {
		t.Fatalf("viewer candidate failed: %v", err)
	}
	if _, ok := f.device.WaitForEvent(types.EventICE, time.Second); !ok {
		t.Error("device did not receive the viewer's candidate")
	}

	if err := f.relay.Answer("dev-1", "teacher-1", answerSDP); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}
	answer, ok := f.viewer.WaitForEvent(types.EventAnswer, time.Second)
	if !ok {
		t.Fatal("viewer did not receive the answer")
	}
	var msg SDPMessage
	if err := json.Unmarshal(answer.Payload, &msg); err != nil {
		t.Fatalf("bad answer payload: %v", err)
	}
	if msg.SDP.Type != webrtc.SDPTypeAnswer || msg.DeviceID != "dev-1" {
		t.Errorf("Unexpected answer: %+v", msg)
	}

	if err := f.relay.Candidate(SideDevice, "teacher-1", "dev-1", candidate); err != nil {
		t.Fatalf("device candidate failed: %v", err)
	}
	if _, ok := f.viewer.WaitForEvent(types.EventICE, time.Second); !ok {
		t.Error("viewer did not receive the device's candidate")
	}

	if err := f.relay.PeerState("teacher-1", "dev-1", "connected"); err != nil {
		t.Fatalf("PeerState failed: %v", err)
	}
	if f.state(t) != StateConnected {
		t.Errorf("Expected connected, got %s", f.state(t))
	}

	if err := f.relay.Stop("teacher-1", "dev-1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if f.state(t) != StateClosed {
		t.Error("Expected session removed after Stop")
	}
	if n := len(f.device.EventsOfType(types.EventStopShare)); n != 1 {
		t.Errorf("Expected 1 stop-share to the device, got %d", n)
	}
	if got := testutil.ToFloat64(f.metrics.SignalingSessionsActive); got != 0 {
		t.Errorf("Expected 0 active sessions, got %v", got)
	}
}

func TestRelay_StartRequiresLocalDeviceInSchool(t *testing.T) {
	f := newFixture(t)

	if _, err := f.relay.Start(context.Background(), f.identity, "dev-offline"); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("Expected ErrDeviceNotConnected, got %v", err)
	}

	outsider := types.Identity{PeerID: "teacher-9", Role: types.RoleTeacher, SchoolID: "school-2"}
	if _, err := f.relay.Start(context.Background(), outsider, "dev-1"); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("Expected cross-school live view to be refused, got %v", err)
	}
	if len(f.device.Events()) != 0 {
		t.Error("Refused live views must not reach the device")
	}
}

func TestRelay_StateGuards(t *testing.T) {
	f := newFixture(t)

	if err := f.relay.Offer("teacher-1", "dev-1", offerSDP); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}

	if _, err := f.relay.Start(context.Background(), f.identity, "dev-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := f.relay.Answer("dev-1", "teacher-1", answerSDP); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Answer before offer: expected ErrInvalidState, got %v", err)
	}
	if err := f.relay.Candidate(SideDevice, "teacher-1", "dev-1", candidate); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Candidate in idle: expected ErrInvalidState, got %v", err)
	}
	if err := f.relay.Candidate("router", "teacher-1", "dev-1", candidate); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("Expected ErrInvalidSide, got %v", err)
	}
	if err := f.relay.PeerState("teacher-1", "dev-1", "melted"); !errors.Is(err, ErrInvalidPeerState) {
		t.Errorf("Expected ErrInvalidPeerState, got %v", err)
	}
}

func TestRelay_SDPValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.relay.Start(context.Background(), f.identity, "dev-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	cases := []webrtc.SessionDescription{
		answerSDP,
		{Type: webrtc.SDPTypeOffer},
		{Type: webrtc.SDPTypeOffer, SDP: "not sdp at all"},
	}
	for i, sdp := range cases {
		if err := f.relay.Offer("teacher-1", "dev-1", sdp); !errors.Is(err, ErrInvalidSDP) {
			t.Errorf("case %d: expected ErrInvalidSDP, got %v", i, err)
		}
	}
	if f.state(t) != StateIdle {
		t.Errorf("Rejected offers must not move the session, got %s", f.state(t))
	}
}

func TestRelay_SecondStartClosesFirst(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t)

	if _, err := f.relay.Start(context.Background(), f.identity, "dev-1"); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if f.state(t) != StateIdle {
		t.Errorf("Expected a fresh idle session, got %s", f.state(t))
	}
	if n := len(f.device.EventsOfType(types.EventStopShare)); n != 1 {
		t.Errorf("Expected exactly 1 stop-share for the replaced session, got %d", n)
	}
	if got := testutil.ToFloat64(f.metrics.SignalingSessionsClosed.WithLabelValues(ReasonReplaced)); got != 1 {
		t.Errorf("Expected 1 replaced close, got %v", got)
	}
	if len(f.relay.Sessions()) != 1 {
		t.Errorf("Expected one session for the pair, got %d", len(f.relay.Sessions()))
	}
}

func TestRelay_DeviceDisconnectNotifiesViewerOnly(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t)

	f.registry.UnregisterDevice(f.device)
	if closed := f.relay.DeviceDisconnected("dev-1"); closed != 1 {
		t.Fatalf("Expected 1 closed session, got %d", closed)
	}
	if n := len(f.device.EventsOfType(types.EventStopShare)); n != 0 {
		t.Errorf("A disconnected device must not be sent stop-share, got %d", n)
	}
	if _, ok := f.viewer.WaitForEvent(types.EventStopShare, time.Second); !ok {
		t.Error("Viewer should learn that the device ended the share")
	}

	// A second disconnect callback finds nothing to close
	if closed := f.relay.DeviceDisconnected("dev-1"); closed != 0 {
		t.Errorf("Expected no sessions left, got %d", closed)
	}
}

func TestRelay_ViewerDisconnect(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t)

	f.registry.UnregisterStaff(f.viewer)
	if closed := f.relay.ViewerDisconnected("teacher-1"); closed != 1 {
		t.Fatalf("Expected 1 closed session, got %d", closed)
	}
	if n := len(f.device.EventsOfType(types.EventStopShare)); n != 1 {
		t.Errorf("Expected 1 stop-share to the device, got %d", n)
	}
}

func TestRelay_PeerFailureCloses(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t)

	if err := f.relay.PeerState("teacher-1", "dev-1", "failed"); err != nil {
		t.Fatalf("PeerState failed: %v", err)
	}
	if f.state(t) != StateClosed {
		t.Error("Expected failed peer to close the session")
	}
	if err := f.relay.PeerState("teacher-1", "dev-1", "closed"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after close, got %v", err)
	}
}

func TestRelay_ReapStalledNegotiations(t *testing.T) {
	f := newFixture(t)
	start := time.Now().UTC()
	f.relay.now = func() time.Time { return start }

	if _, err := f.relay.Start(context.Background(), f.identity, "dev-1"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.relay.now = func() time.Time { return start.Add(30 * time.Second) }
	if reaped := f.relay.Reap(); reaped != 0 {
		t.Errorf("Session within timeout reaped: %d", reaped)
	}

	f.relay.now = func() time.Time { return start.Add(61 * time.Second) }
	if reaped := f.relay.Reap(); reaped != 1 {
		t.Errorf("Expected stalled session reaped, got %d", reaped)
	}
	if got := testutil.ToFloat64(f.metrics.SignalingSessionsClosed.WithLabelValues(ReasonTimeout)); got != 1 {
		t.Errorf("Expected 1 timeout close, got %v", got)
	}
}

func TestRelay_ConnectedSessionsAreNotReaped(t *testing.T) {
	f := newFixture(t)
	start := time.Now().UTC()
	f.relay.now = func() time.Time { return start }
	f.negotiate(t)
	if err := f.relay.PeerState("teacher-1", "dev-1", "connected"); err != nil {
		t.Fatalf("PeerState failed: %v", err)
	}

	f.relay.now = func() time.Time { return start.Add(time.Hour) }
	if reaped := f.relay.Reap(); reaped != 0 {
		t.Errorf("Connected session must not be reaped, got %d", reaped)
	}
}

func TestRelay_ConcurrentCloseHappensOnce(t *testing.T) {
	f := newFixture(t)
	f.negotiate(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _ = f.relay.Stop("teacher-1", "dev-1") }()
		go func() { defer wg.Done(); f.relay.DeviceDisconnected("dev-1") }()
		go func() { defer wg.Done(); f.relay.ViewerDisconnected("teacher-1") }()
	}
	wg.Wait()

	total := 0.0
	for _, reason := range []string{ReasonStopped, ReasonDeviceDisconnected, ReasonViewerDisconnected} {
		total += testutil.ToFloat64(f.metrics.SignalingSessionsClosed.WithLabelValues(reason))
	}
	if total != 1 {
		t.Errorf("Expected exactly one close, got %v", total)
	}
	if n := len(f.device.EventsOfType(types.EventStopShare)); n != 1 {
		t.Errorf("Expected exactly one stop-share to the device, got %d", n)
	}
}

func TestRelay_ConcurrentStartsKeepOneSession(t *testing.T) {
	f := newFixture(t)

	for round := 0; round < 200; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.relay.Start(context.Background(), f.identity, "dev-1")
			}()
		}
		wg.Wait()

		sessions := len(f.relay.Sessions())
		if sessions != 1 {
			t.Fatalf("round %d: expected one session for the pair, got %d", round, sessions)
		}
		if active := testutil.ToFloat64(f.metrics.SignalingSessionsActive); active != float64(sessions) {
			t.Fatalf("round %d: active gauge %v does not match %d live sessions", round, active, sessions)
		}
	}

	// Every Start but the surviving one was displaced with a stop-share
	starts := len(f.device.EventsOfType(types.EventRequestStream))
	stops := len(f.device.EventsOfType(types.EventStopShare))
	if starts != 800 || stops != starts-1 {
		t.Errorf("Expected 800 starts and 799 stop-shares, got %d and %d", starts, stops)
	}
}
