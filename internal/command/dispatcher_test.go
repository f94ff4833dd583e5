package command

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bzinkan/SchoolPilot-sub002/internal/directory"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	fakes "github.com/bzinkan/SchoolPilot-sub002/internal/testutil"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

type fixture struct {
	store      *fakes.MemoryStore
	registry   *websocket.Registry
	directory  *directory.Manager
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
	devices    map[string]*fakes.FakeConnection
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	store := fakes.NewMemoryStore()
	m := metrics.New(prometheus.NewRegistry(), "test")
	registry := websocket.NewRegistry(nil, m)
	dir := directory.NewManager(store, nil)
	return &fixture{
		store:      store,
		registry:   registry,
		directory:  dir,
		metrics:    m,
		dispatcher: NewDispatcher(registry, dir, config, nil, m),
		devices:    make(map[string]*fakes.FakeConnection),
	}
}

func (f *fixture) connect(t *testing.T, deviceID, schoolID string) *fakes.FakeConnection {
	t.Helper()
	f.store.SeedDevice(deviceID, schoolID, nil)
	conn := fakes.Device(deviceID, schoolID)
	if err := f.registry.RegisterDevice(conn); err != nil {
		t.Fatalf("RegisterDevice(%s) failed: %v", deviceID, err)
	}
	f.devices[deviceID] = conn
	return conn
}

func lockCommand(targets ...string) *types.Command {
	return &types.Command{TargetDeviceIDs: targets, Type: TypeLockScreen, IssuedBy: "teacher-1"}
}

func TestDispatch_AllTargetsEveryLocalDeviceInSchool(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "dev-1", "school-1")
	f.connect(t, "dev-2", "school-1")
	outsider := f.connect(t, "dev-3", "school-2")

	result, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand(types.TargetAll))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !reflect.DeepEqual(result.Delivered, []string{"dev-1", "dev-2"}) {
		t.Errorf("Expected dev-1 and dev-2, got %v", result.Delivered)
	}
	if len(result.Unreachable) != 0 {
		t.Errorf("Expected no unreachable devices, got %v", result.Unreachable)
	}
	if result.CommandID == "" {
		t.Error("Expected a command id")
	}

	event, ok := f.devices["dev-1"].WaitForEvent(types.EventCommand, time.Second)
	if !ok {
		t.Fatal("dev-1 did not receive the command")
	}
	var msg Message
	if err := json.Unmarshal(event.Payload, &msg); err != nil {
		t.Fatalf("bad command payload: %v", err)
	}
	if msg.Type != TypeLockScreen || msg.ID != result.CommandID || msg.IssuedBy != "teacher-1" {
		t.Errorf("Unexpected command message: %+v", msg)
	}
	if len(outsider.Events()) != 0 {
		t.Error("A device in another school must never receive the command")
	}
}

func TestDispatch_ExplicitTargetsDedupedAndIntersected(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "dev-1", "school-1")
	f.connect(t, "dev-2", "school-1")
	f.connect(t, "dev-9", "school-2")

	result, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand("dev-1", "dev-1", "dev-offline", "dev-9"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !reflect.DeepEqual(result.Delivered, []string{"dev-1"}) {
		t.Errorf("Expected only dev-1 delivered, got %v", result.Delivered)
	}
	if !reflect.DeepEqual(result.Unreachable, []string{"dev-9", "dev-offline"}) {
		t.Errorf("Expected dev-9 and dev-offline unreachable, got %v", result.Unreachable)
	}
	if n := len(f.devices["dev-1"].EventsOfType(types.EventCommand)); n != 1 {
		t.Errorf("Duplicate ids must deliver once, got %d", n)
	}
	if n := len(f.devices["dev-2"].Events()); n != 0 {
		t.Errorf("Untargeted device received %d events", n)
	}
}

func TestDispatch_NoReachableDevices(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	result, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand(types.TargetAll))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !result.NoReachableDevices() {
		t.Error("Expected NoReachableDevices for an empty school")
	}

	result, err = f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand("dev-1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !result.NoReachableDevices() || !reflect.DeepEqual(result.Unreachable, []string{"dev-1"}) {
		t.Errorf("Expected dev-1 unreachable, got %+v", result)
	}
}

func TestDispatch_SendFailureUnregistersSocket(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "dev-1", "school-1")
	broken := f.connect(t, "dev-2", "school-1")
	broken.FailWrites(errors.New("broken pipe"))

	result, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand(types.TargetAll))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !reflect.DeepEqual(result.Delivered, []string{"dev-1"}) || !reflect.DeepEqual(result.Unreachable, []string{"dev-2"}) {
		t.Errorf("Unexpected result: %+v", result)
	}
	if f.registry.IsDeviceConnected("dev-2") {
		t.Error("Failed socket should be unregistered")
	}
	if !broken.WaitClosed(time.Second) {
		t.Error("Failed socket should be closed")
	}
	if got := testutil.ToFloat64(f.metrics.DeliveryFailures.WithLabelValues(types.RoleDevice)); got != 1 {
		t.Errorf("Expected 1 delivery failure, got %v", got)
	}
	if got := testutil.ToFloat64(f.metrics.CommandsUnreachable); got != 1 {
		t.Errorf("Expected 1 unreachable target, got %v", got)
	}
}

func TestDispatch_MalformedTargetIsUnreachable(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.connect(t, "dev-1", "school-1")

	result, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand("dev-1", "dev 1", ""))
	if err != nil {
		t.Fatalf("A malformed id must not fail the command, got %v", err)
	}
	if !reflect.DeepEqual(result.Delivered, []string{"dev-1"}) {
		t.Errorf("Expected dev-1 delivered, got %v", result.Delivered)
	}
	if len(result.Unreachable) != 2 {
		t.Errorf("Expected both malformed ids unreachable, got %v", result.Unreachable)
	}

	result, err = f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand("dev 1"))
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !result.NoReachableDevices() || !reflect.DeepEqual(result.Unreachable, []string{"dev 1"}) {
		t.Errorf("Expected no reachable devices, got %+v", result)
	}
}

func TestDispatch_Validation(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	cases := []struct {
		name string
		cmd  *types.Command
		want error
	}{
		{"nil", nil, ErrNilCommand},
		{"unknown type", &types.Command{TargetDeviceIDs: []string{"all"}, Type: "self-destruct", IssuedBy: "t"}, ErrUnknownType},
		{"empty targets", &types.Command{Type: TypeLockScreen, IssuedBy: "t"}, ErrNoTargets},
		{"all mixed with ids", &types.Command{TargetDeviceIDs: []string{"all", "dev-1"}, Type: TypeLockScreen, IssuedBy: "t"}, ErrInvalidTarget},
		{"no issuer", &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeLockScreen}, ErrMissingIssuer},
		{"oversized", &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeSendMessage, IssuedBy: "t",
			Payload: json.RawMessage(`{"message":"` + strings.Repeat("x", 17<<10) + `"}`)}, ErrPayloadTooLarge},
		{"not json", &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeLockScreen, IssuedBy: "t", Payload: json.RawMessage(`{`)}, ErrInvalidPayload},
		{"open-tab without url", &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeOpenTab, IssuedBy: "t", Payload: json.RawMessage(`{}`)}, ErrInvalidPayload},
		{"limit-tabs zero", &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeLimitTabs, IssuedBy: "t", Payload: json.RawMessage(`{"maxTabs":0}`)}, ErrInvalidPayload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", tc.cmd); !errors.Is(err, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDispatch_RateLimitPerIssuer(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 3, RateWindow: time.Minute})

	for i := 0; i < 3; i++ {
		if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand(types.TargetAll)); err != nil {
			t.Fatalf("command %d failed: %v", i+1, err)
		}
	}
	if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand(types.TargetAll)); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited, got %v", err)
	}

	other := lockCommand(types.TargetAll)
	other.IssuedBy = "teacher-2"
	if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", other); err != nil {
		t.Errorf("Another issuer should not be limited: %v", err)
	}
}

func TestDispatch_ApplyAndRemoveFlightPath(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.SeedPolicy("fp-1", "school-1", []string{"docs.google.com"}, []string{"games.com"})
	conn := f.connect(t, "dev-1", "school-1")
	f.store.SeedDevice("dev-offline", "school-1", nil)

	apply := &types.Command{
		TargetDeviceIDs: []string{"dev-1", "dev-offline"},
		Type:            TypeApplyFlightPath,
		Payload:         json.RawMessage(`{"policyId":"fp-1"}`),
		IssuedBy:        "teacher-1",
	}
	result, err := f.dispatcher.Dispatch(context.Background(), "school-1", apply)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if !reflect.DeepEqual(result.Delivered, []string{"dev-1"}) {
		t.Fatalf("Expected dev-1 delivered, got %+v", result)
	}

	event, ok := conn.WaitForEvent(types.EventCommand, time.Second)
	if !ok {
		t.Fatal("device did not receive the flight path")
	}
	var msg Message
	_ = json.Unmarshal(event.Payload, &msg)
	var fp FlightPathPayload
	if err := json.Unmarshal(msg.Payload, &fp); err != nil {
		t.Fatalf("bad flight path payload: %v", err)
	}
	if fp.PolicyID != "fp-1" || !reflect.DeepEqual(fp.AllowedDomains, []string{"docs.google.com"}) || !reflect.DeepEqual(fp.BlockedDomains, []string{"games.com"}) {
		t.Errorf("Expected embedded domain lists, got %+v", fp)
	}

	device, _ := f.directory.GetDevice(context.Background(), "dev-1")
	if device.ActivePolicyID == nil || *device.ActivePolicyID != "fp-1" {
		t.Errorf("Expected dev-1 to point at fp-1, got %v", device.ActivePolicyID)
	}
	offline, _ := f.store.GetDevice(context.Background(), "dev-offline")
	if offline.ActivePolicyID != nil {
		t.Error("An unreachable device must keep its previous policy")
	}

	remove := &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeRemoveFlightPath, IssuedBy: "teacher-1"}
	if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", remove); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	device, _ = f.directory.GetDevice(context.Background(), "dev-1")
	if device.ActivePolicyID != nil {
		t.Errorf("Expected policy cleared, got %v", *device.ActivePolicyID)
	}
}

func TestDispatch_FlightPathMustBelongToSchool(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.store.SeedPolicy("fp-other", "school-2", nil, nil)
	f.connect(t, "dev-1", "school-1")

	cmd := &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeApplyFlightPath, Payload: json.RawMessage(`{"policyId":"fp-other"}`), IssuedBy: "t"}
	if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", cmd); !errors.Is(err, ErrPolicyNotAllowed) {
		t.Errorf("Expected ErrPolicyNotAllowed, got %v", err)
	}

	cmd = &types.Command{TargetDeviceIDs: []string{"all"}, Type: TypeApplyFlightPath, Payload: json.RawMessage(`{"policyId":"fp-missing"}`), IssuedBy: "t"}
	if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", cmd); !errors.Is(err, interfaces.ErrPolicyNotFound) {
		t.Errorf("Expected ErrPolicyNotFound, got %v", err)
	}
}

func TestDispatch_IdempotentRedelivery(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	conn := f.connect(t, "dev-1", "school-1")

	for i := 0; i < 2; i++ {
		if _, err := f.dispatcher.Dispatch(context.Background(), "school-1", lockCommand("dev-1")); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}
	if n := len(conn.EventsOfType(types.EventCommand)); n != 2 {
		t.Errorf("Expected each dispatch to deliver, got %d", n)
	}
}
