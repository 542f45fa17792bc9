// Package event implements the canonical event record: schema
// validation, normalization, and the content hash used for dedup.
package event

import (
	"bytes"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/errkind"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

const (
	MaxAddressLen   = 64
	MaxActionLen    = 64
	MaxUserAgentLen = 1024
	MaxPayloadBytes = 64 * 1024
)

// Canonicalize validates a raw ingest record and produces the canonical
// event. Producer-supplied structural fields are strict (schema errors);
// attacker-controlled fields are tolerated and bounded instead. The
// payload bound is the one 413 condition.
func Canonicalize(raw model.RawEvent, now time.Time) (model.Event, error) {
	observed, err := parseObservedAt(raw.ObservedAt)
	if err != nil {
		return model.Event{}, err
	}

	addr, err := normalizeAddress(raw.SourceAddress)
	if err != nil {
		return model.Event{}, err
	}

	service := strings.ToLower(strings.TrimSpace(raw.TargetService))
	if service == "" {
		return model.Event{}, errkind.Newf(errkind.SchemaError, "target_service is required")
	}

	action := strings.ToLower(strings.TrimSpace(raw.Action))
	if action == "" {
		return model.Event{}, errkind.Newf(errkind.SchemaError, "action is required")
	}
	if len(action) > MaxActionLen {
		return model.Event{}, errkind.Newf(errkind.SchemaError, "action exceeds %d bytes", MaxActionLen)
	}

	session := strings.TrimSpace(raw.SessionID)
	if session == "" {
		return model.Event{}, errkind.Newf(errkind.SchemaError, "session_id is required")
	}

	ua := strings.TrimSpace(raw.UserAgent)
	if len(ua) > MaxUserAgentLen {
		ua = ua[:MaxUserAgentLen]
	}

	payload, err := compactPayload(raw.Payload)
	if err != nil {
		return model.Event{}, err
	}

	e := model.Event{
		ObservedAt:    observed,
		IngestedAt:    now.UTC(),
		SourceAddress: addr,
		Protocol:      strings.ToUpper(strings.TrimSpace(raw.Protocol)),
		TargetService: service,
		Action:        action,
		TargetPath:    strings.TrimSpace(raw.TargetPath),
		SessionID:     session,
		UserAgent:     ua,
		Headers:       raw.Headers,
		Payload:       payload,
	}
	e.ContentHash = ContentHash(e)
	return e, nil
}

// Serialize is the inverse of Canonicalize for the fields that survive
// the round trip. Canonicalize(Serialize(Canonicalize(x))) equals
// Canonicalize(x) up to IngestedAt.
func Serialize(e model.Event) model.RawEvent {
	return model.RawEvent{
		ObservedAt:    e.ObservedAt.UTC().Format(time.RFC3339Nano),
		SourceAddress: e.SourceAddress,
		Protocol:      e.Protocol,
		TargetService: e.TargetService,
		Action:        e.Action,
		TargetPath:    e.TargetPath,
		SessionID:     e.SessionID,
		UserAgent:     e.UserAgent,
		Headers:       e.Headers,
		Payload:       e.Payload,
	}
}

func parseObservedAt(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errkind.Newf(errkind.SchemaError, "observed_at is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	// zone-less producer timestamps are taken as UTC
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, errkind.Newf(errkind.SchemaError, "observed_at %q is not an ISO-8601 timestamp", s)
}

func normalizeAddress(s string) (string, error) {
	addr := strings.TrimSpace(s)
	if addr == "" {
		return "", errkind.Newf(errkind.SchemaError, "source_address is required")
	}
	if len(addr) > MaxAddressLen {
		return "", errkind.Newf(errkind.SchemaError, "source_address exceeds %d bytes", MaxAddressLen)
	}
	// IPv4-mapped IPv6 collapses to the plain IPv4 form
	if strings.HasPrefix(addr, "::ffff:") {
		if v4 := net.ParseIP(strings.TrimPrefix(addr, "::ffff:")); v4 != nil && v4.To4() != nil {
			addr = strings.TrimPrefix(addr, "::ffff:")
		}
	}
	if net.ParseIP(addr) == nil {
		return "", errkind.Newf(errkind.SchemaError, "source_address %q is not an IP address", addr)
	}
	return addr, nil
}

func compactPayload(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, errkind.Newf(errkind.SchemaError, "payload is not valid JSON: %v", err)
	}
	if buf.Len() > MaxPayloadBytes {
		return nil, errkind.Newf(errkind.PayloadTooLarge, "payload is %d bytes, limit %d", buf.Len(), MaxPayloadBytes)
	}
	return json.RawMessage(buf.Bytes()), nil
}
