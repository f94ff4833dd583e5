package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gws "github.com/gorilla/websocket"

	"github.com/bzinkan/SchoolPilot-sub002/internal/app"
	"github.com/bzinkan/SchoolPilot-sub002/internal/auth"
	"github.com/bzinkan/SchoolPilot-sub002/internal/config"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

const testSecret = "integration-secret-at-least-32-bytes-long"

// instance is one running service process sharing redis with its siblings
type instance struct {
	app  *app.Application
	base string
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startInstance(t *testing.T, mr *miniredis.Miniredis) *instance {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "schoolpilot.db")
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.HTTP.ShutdownTimeout = 5 * time.Second
	cfg.Auth.JWTSecret = testSecret
	cfg.Hub.ReconcileInterval = 50 * time.Millisecond
	if mr != nil {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = mr.Addr()
	}

	application, err := app.NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("instance did not shut down")
		}
	})

	select {
	case <-application.Ready():
	case err := <-done:
		t.Fatalf("instance exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("instance never became ready")
	}
	return &instance{app: application, base: "http://" + application.Addr()}
}

func (in *instance) provision(t *testing.T, deviceID, schoolID string) {
	t.Helper()
	device := &types.Device{ID: deviceID, SchoolID: schoolID, StudentID: "student-" + deviceID}
	if err := in.app.Directory().UpsertDevice(context.Background(), device); err != nil {
		t.Fatalf("provision %s: %v", deviceID, err)
	}
}

func (in *instance) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, in.base+path, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// socket is a dialled client whose events are pumped onto a channel
type socket struct {
	conn   *gws.Conn
	events chan types.Event
}

func (in *instance) dial(t *testing.T, path, token string) *socket {
	t.Helper()
	url := "ws" + strings.TrimPrefix(in.base, "http") + path + "?token=" + token
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })

	s := &socket{conn: conn, events: make(chan types.Event, 64)}
	go func() {
		defer close(s.events)
		for {
			var event types.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			s.events <- event
		}
	}()
	return s
}

func (s *socket) send(t *testing.T, msg types.InboundMessage) {
	t.Helper()
	if err := s.conn.WriteJSON(msg); err != nil {
		t.Fatalf("socket write: %v", err)
	}
}

// next returns the next event of eventType, skipping others
func (s *socket) next(eventType string, timeout time.Duration) (types.Event, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return types.Event{}, false
			}
			if event.Type == eventType {
				return event, true
			}
		case <-deadline:
			return types.Event{}, false
		}
	}
}

func deviceToken(t *testing.T, deviceID, schoolID string) string {
	t.Helper()
	token, err := auth.NewSigner(testSecret, "schoolpilot").SignDevice(deviceID, schoolID, "student-"+deviceID, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func staffToken(t *testing.T, userID, schoolID string) string {
	t.Helper()
	token, err := auth.NewSigner(testSecret, "schoolpilot").SignStaff(userID, schoolID, types.RoleTeacher, []string{"classpilot"}, time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}
