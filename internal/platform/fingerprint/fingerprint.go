// Package fingerprint computes the deterministic SHA-256 digest of an ordered
// batch of audit-log records that is anchored on chain.
//
// Each record serializes to
//
//	id|actor|action|targetType|targetId|timestamp|metadataJSON
//
// where empty actor, target type and target id are written as the literal
// "null", the timestamp is RFC 3339 in UTC with millisecond precision and
// absent metadata is "{}". Record strings are concatenated in input order with
// no separator. An empty batch hashes the literal string "empty".
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the fixed timestamp encoding used in the canonical form.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const emptyInput = "empty"

// Metadata is the structured context attached to an audit-log entry. Fields
// encode in declaration order and Extra encodes with sorted keys, so the JSON
// form is stable for a given value.
type Metadata struct {
	PatientID    string            `json:"patient_id,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	IPAddress    string            `json:"ip_address,omitempty"`
	UserAgent    string            `json:"user_agent,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Outcome      string            `json:"outcome,omitempty"`
	BreakGlass   bool              `json:"break_glass,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Record is one audit-log entry as seen by the fingerprint builder.
type Record struct {
	ID         string
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Timestamp  time.Time
	Metadata   *Metadata
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

func encodeMetadata(m *Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Line returns the canonical serialization of a single record.
func Line(r Record) (string, error) {
	meta, err := encodeMetadata(r.Metadata)
	if err != nil {
		return "", fmt.Errorf("record %s: %w", r.ID, err)
	}
	return strings.Join([]string{
		r.ID,
		orNull(r.ActorID),
		r.Action,
		orNull(r.TargetType),
		orNull(r.TargetID),
		r.Timestamp.UTC().Format(TimestampLayout),
		meta,
	}, "|"), nil
}

// Canonical returns the exact byte string that Compute hashes.
func Canonical(records []Record) (string, error) {
	if len(records) == 0 {
		return emptyInput, nil
	}
	var b strings.Builder
	for _, r := range records {
		line, err := Line(r)
		if err != nil {
			return "", err
		}
		b.WriteString(line)
	}
	return b.String(), nil
}

// Compute returns the lowercase hex SHA-256 of the canonical form of records.
// The result depends only on the records and their order.
func Compute(records []Record) (string, error) {
	canonical, err := Canonical(records)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
