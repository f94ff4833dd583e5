// Package command resolves staff commands to connected devices and delivers them
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/bzinkan/SchoolPilot-sub002/internal/directory"
	"github.com/bzinkan/SchoolPilot-sub002/internal/logging"
	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/internal/ratelimit"
	"github.com/bzinkan/SchoolPilot-sub002/internal/websocket"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/interfaces"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Command types devices understand
const (
	TypeLockScreen       = "lock-screen"
	TypeUnlockScreen     = "unlock-screen"
	TypeOpenTab          = "open-tab"
	TypeCloseTab         = "close-tab"
	TypeApplyFlightPath  = "apply-flight-path"
	TypeRemoveFlightPath = "remove-flight-path"
	TypeSendMessage      = "send-message"
	TypeLimitTabs        = "limit-tabs"
	TypeAttentionMode    = "attention-mode"
)

var validTypes = map[string]bool{
	TypeLockScreen:       true,
	TypeUnlockScreen:     true,
	TypeOpenTab:          true,
	TypeCloseTab:         true,
	TypeApplyFlightPath:  true,
	TypeRemoveFlightPath: true,
	TypeSendMessage:      true,
	TypeLimitTabs:        true,
	TypeAttentionMode:    true,
}

// IsValidType reports whether t is a known command type
func IsValidType(t string) bool {
	return validTypes[t]
}

// Config tunes the dispatcher
type Config struct {
	RateLimit       int // commands per window per issuer
	RateWindow      time.Duration
	MaxPayloadBytes int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{RateLimit: 30, RateWindow: time.Minute, MaxPayloadBytes: 16 << 10}
}

// Result reports where one command went
type Result struct {
	CommandID   string   `json:"commandId"`
	Delivered   []string `json:"delivered"`
	Unreachable []string `json:"unreachable"`
}

// NoReachableDevices reports whether the command reached nobody
func (r *Result) NoReachableDevices() bool {
	return len(r.Delivered) == 0
}

// Message is what a device receives as the payload of a command event
type Message struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedBy string          `json:"issuedBy"`
	IssuedAt time.Time       `json:"issuedAt"`
}

// FlightPathPayload is the payload devices receive for apply-flight-path
type FlightPathPayload struct {
	PolicyID       string   `json:"policyId"`
	Name           string   `json:"name,omitempty"`
	AllowedDomains []string `json:"allowedDomains"`
	BlockedDomains []string `json:"blockedDomains"`
}

// Dispatcher sends commands to the devices of a school connected to this process
// ARCHITECTURAL DISCOVERY: Commands are level-triggered and never queued. Only devices
// registered right now are targeted; everything else is reported as unreachable.
type Dispatcher struct {
	registry  *websocket.Registry
	directory *directory.Manager
	limiter   *ratelimit.Limiter
	config    Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher creates a command dispatcher
func NewDispatcher(registry *websocket.Registry, dir *directory.Manager, config Config, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	defaults := DefaultConfig()
	if config.RateWindow <= 0 {
		config.RateWindow = defaults.RateWindow
	}
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	return &Dispatcher{
		registry:  registry,
		directory: dir,
		limiter:   ratelimit.New(config.RateLimit, config.RateWindow),
		config:    config,
		logger:    logging.OrDiscard(logger).With("component", "command"),
		metrics:   metrics.OrNop(m),
	}
}

// Dispatch validates cmd, resolves its targets within schoolID and writes it to each.
// Per-device failures never fail the call; they show up in Result.Unreachable.
func (d *Dispatcher) Dispatch(ctx context.Context, schoolID string, cmd *types.Command) (*Result, error) {
	if err := d.validate(cmd); err != nil {
		return nil, err
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per issuer after validation, so
	// malformed requests do not burn the issuer's budget
	if !d.limiter.Allow(cmd.IssuedBy) {
		d.logger.Warn("command rate limited", "issued_by", cmd.IssuedBy, "type", cmd.Type)
		return nil, ErrRateLimited
	}

	cmd.ID = uuid.New().String()
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now().UTC()
	}

	var policy *types.Policy
	if cmd.Type == TypeApplyFlightPath {
		resolved, payload, err := d.embedFlightPath(ctx, schoolID, cmd.Payload)
		if err != nil {
			return nil, err
		}
		policy = resolved
		cmd.Payload = payload
	}

	targets, missing := d.resolveTargets(schoolID, cmd)
	result := &Result{CommandID: cmd.ID, Delivered: []string{}, Unreachable: missing}

	message := Message{ID: cmd.ID, Type: cmd.Type, Payload: cmd.Payload, IssuedBy: cmd.IssuedBy, IssuedAt: cmd.IssuedAt}
	for _, target := range targets {
		event, err := types.NewEvent(types.EventCommand, schoolID, target.DeviceID, message)
		if err != nil {
			return nil, err
		}
		if err := target.Conn.WriteJSON(event); err != nil {
			d.dropConnection(target, err)
			result.Unreachable = append(result.Unreachable, target.DeviceID)
			continue
		}
		result.Delivered = append(result.Delivered, target.DeviceID)
	}

	sort.Strings(result.Delivered)
	sort.Strings(result.Unreachable)

	d.metrics.CommandsDispatched.WithLabelValues(cmd.Type).Inc()
	d.metrics.CommandsUnreachable.Add(float64(len(result.Unreachable)))

	switch cmd.Type {
	case TypeApplyFlightPath:
		d.updateActivePolicy(ctx, result.Delivered, &policy.ID)
	case TypeRemoveFlightPath:
		d.updateActivePolicy(ctx, result.Delivered, nil)
	}

	d.logger.Info("command dispatched",
		"command_id", cmd.ID,
		"type", cmd.Type,
		"school_id", schoolID,
		"issued_by", cmd.IssuedBy,
		"delivered", len(result.Delivered),
		"unreachable", len(result.Unreachable))
	return result, nil
}

func (d *Dispatcher) validate(cmd *types.Command) error {
	if cmd == nil {
		return ErrNilCommand
	}
	if !IsValidType(cmd.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownType, cmd.Type)
	}
	if cmd.IssuedBy == "" {
		return ErrMissingIssuer
	}
	if len(cmd.Payload) > d.config.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	if len(cmd.Payload) > 0 && !json.Valid(cmd.Payload) {
		return ErrInvalidPayload
	}
	if len(cmd.TargetDeviceIDs) == 0 {
		return ErrNoTargets
	}
	if !cmd.TargetsAll() {
		for _, id := range cmd.TargetDeviceIDs {
			if id == types.TargetAll {
				return fmt.Errorf("%w: %q cannot be combined with device ids", ErrInvalidTarget, id)
			}
		}
	}
	return validatePayload(cmd)
}

// validatePayload checks the fields a device needs to act on the command
func validatePayload(cmd *types.Command) error {
	var fields map[string]interface{}
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &fields); err != nil {
			return fmt.Errorf("%w: payload must be an object", ErrInvalidPayload)
		}
	}

	required := func(name string) error {
		v, ok := fields[name].(string)
		if !ok || v == "" {
			return fmt.Errorf("%w: %s requires %q", ErrInvalidPayload, cmd.Type, name)
		}
		return nil
	}

	switch cmd.Type {
	case TypeOpenTab:
		return required("url")
	case TypeSendMessage:
		return required("message")
	case TypeApplyFlightPath:
		return required("policyId")
	case TypeLimitTabs:
		if n, ok := fields["maxTabs"].(float64); !ok || n < 1 {
			return fmt.Errorf("%w: limit-tabs requires a positive \"maxTabs\"", ErrInvalidPayload)
		}
	}
	return nil
}

// resolveTargets intersects the requested devices with this school's local connections
func (d *Dispatcher) resolveTargets(schoolID string, cmd *types.Command) ([]interfaces.DeviceConnection, []string) {
	if cmd.TargetsAll() {
		return d.registry.LookupDevices(schoolID), []string{}
	}

	// FUNCTIONAL DISCOVERY: A malformed id can never be registered, so it is reported
	// unreachable like any other absent device instead of failing the whole command
	seen := make(map[string]bool, len(cmd.TargetDeviceIDs))
	requested := make([]string, 0, len(cmd.TargetDeviceIDs))
	missing := []string{}
	for _, id := range cmd.TargetDeviceIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if !types.IsValidID(id) {
			missing = append(missing, id)
			continue
		}
		requested = append(requested, id)
	}
	if len(requested) == 0 {
		return []interfaces.DeviceConnection{}, missing
	}

	targets := d.registry.LookupDevices(schoolID, requested...)
	found := make(map[string]bool, len(targets))
	for _, target := range targets {
		found[target.DeviceID] = true
	}

	for _, id := range requested {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return targets, missing
}

// embedFlightPath resolves the referenced policy and replaces the payload with its domain lists
func (d *Dispatcher) embedFlightPath(ctx context.Context, schoolID string, raw json.RawMessage) (*types.Policy, json.RawMessage, error) {
	var ref struct {
		PolicyID string `json:"policyId"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, nil, ErrInvalidPayload
	}

	policy, err := d.directory.GetPolicy(ctx, ref.PolicyID)
	if err != nil {
		return nil, nil, err
	}
	if policy.SchoolID != schoolID {
		return nil, nil, ErrPolicyNotAllowed
	}

	payload, err := json.Marshal(FlightPathPayload{
		PolicyID:       policy.ID,
		Name:           policy.Name,
		AllowedDomains: nonNil(policy.AllowedDomains),
		BlockedDomains: nonNil(policy.BlockedDomains),
	})
	if err != nil {
		return nil, nil, err
	}
	return policy, payload, nil
}

// updateActivePolicy points delivered devices at the applied policy
// FUNCTIONAL DISCOVERY: Only devices that actually received the command change
// policy, so classification matches what each device enforces
func (d *Dispatcher) updateActivePolicy(ctx context.Context, deviceIDs []string, policyID *string) {
	for _, id := range deviceIDs {
		if err := d.directory.SetActivePolicy(ctx, id, policyID); err != nil {
			level := slog.LevelError
			if errors.Is(err, types.ErrNotFound) {
				level = slog.LevelWarn
			}
			d.logger.Log(ctx, level, "failed to update active policy", "device_id", id, "error", err)
		}
	}
}

func (d *Dispatcher) dropConnection(target interfaces.DeviceConnection, err error) {
	derr := &types.DeliveryError{PeerID: target.DeviceID, Err: err}
	d.metrics.DeliveryFailures.WithLabelValues(types.RoleDevice).Inc()
	d.logger.Warn("dropping device after failed command delivery", "error", derr)

	d.registry.Unregister(target.Conn)
	go func() { _ = target.Conn.Close() }()
}

// Cleanup drops idle rate limiter state (call periodically)
func (d *Dispatcher) Cleanup() {
	d.limiter.Cleanup()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
