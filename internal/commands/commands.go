// Package commands is a thin orchestration layer over store.CommandStore,
// adding the default TTL and ETag-header conventions spec §4.4 and §6
// describe, while the state machine itself (expire/supersede/insert,
// ack, pending summary) lives in the store layer — grounded on
// original_source/api/app/services/device_commands.py.
package commands

import (
	"context"
	"time"

	"github.com/ryne2010/edgewatch/internal/store"
)

type Service struct {
	Commands   store.CommandStore
	DefaultTTL time.Duration
	Now        func() time.Time
}

func NewService(commandStore store.CommandStore, defaultTTL time.Duration) *Service {
	return &Service{Commands: commandStore, DefaultTTL: defaultTTL, Now: time.Now}
}

// Enqueue issues a new control command for a device, applying the
// configured default TTL when ttl is zero.
func (s *Service) Enqueue(ctx context.Context, deviceID string, payload store.CommandPayload, ttl time.Duration) (store.DeviceControlCommand, error) {
	if ttl <= 0 {
		ttl = s.DefaultTTL
	}
	return s.Commands.Enqueue(ctx, deviceID, payload, ttl, s.Now())
}

// Poll returns the pending command for a device, used by both the
// GET /device-policy pending-command field and the edge agent's own poll.
func (s *Service) Poll(ctx context.Context, deviceID string) (store.DeviceControlCommand, error) {
	return s.Commands.GetPending(ctx, deviceID, s.Now())
}

// Ack records the device's acknowledgement of a previously issued command.
func (s *Service) Ack(ctx context.Context, deviceID, commandID string) (store.DeviceControlCommand, error) {
	return s.Commands.Ack(ctx, deviceID, commandID, s.Now())
}

// Summary returns the device-policy endpoint's pending_command_summary
// convenience field (spec §C.2 supplemented feature): count of pending
// commands and their latest expiry.
func (s *Service) Summary(ctx context.Context, deviceID string) (count int, nextExpiry *time.Time, err error) {
	return s.Commands.PendingSummary(ctx, deviceID, s.Now())
}

// ETag returns the literal ETag fragment for the device's command queue,
// used by GET /device-policy and POST /device-commands/{id}/ack to let the
// edge agent cheaply detect "nothing changed" via If-None-Match.
func (s *Service) ETag(ctx context.Context, deviceID string) (string, error) {
	return s.Commands.ETagFragment(ctx, deviceID, s.Now())
}
