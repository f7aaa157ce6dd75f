// Package parser turns raw journal lines into normalized events.
//
// A line either decodes into a models.Event or yields a *MalformedError carrying
// the raw text. Malformed input is never fatal: callers count it and move on.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PratikDhanave/journal-sync-service/internal/models"
)

// ErrBlankLine is returned for empty or whitespace-only lines. It is not a parse error.
var ErrBlankLine = errors.New("blank line")

// ErrMalformed matches every *MalformedError via errors.Is.
var ErrMalformed = errors.New("malformed line")

// MalformedError reports a line that could not be turned into an event.
type MalformedError struct {
	Raw    string
	Reason string
}

func (e *MalformedError) Error() string {
	return "malformed line: " + e.Reason
}

func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

// idNamespace scopes derived ids so they never collide with other SHA1 uuids.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("journal-sync-service/event"))

// Envelope keys. Everything else on the line is payload.
var (
	typeKeys      = []string{"event", "event_type"}
	idKeys        = []string{"event_id", "id"}
	timestampKeys = []string{"timestamp", "ts"}
	reservedKeys  = map[string]bool{
		"event": true, "event_type": true, "event_id": true, "id": true,
		"timestamp": true, "ts": true, "source_file": true, "raw": true,
	}
)

// ParseLine decodes one newline-delimited JSON record read from sourceFile.
func ParseLine(sourceFile, line string) (models.Event, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return models.Event{}, ErrBlankLine
	}

	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return models.Event{}, &MalformedError{Raw: line, Reason: "invalid json: " + err.Error()}
	}
	if record == nil {
		return models.Event{}, &MalformedError{Raw: line, Reason: "not an object"}
	}
	return Normalize(record, sourceFile, trimmed)
}

// Normalize maps a decoded record onto the canonical event shape.
// It is shared by the file loader and by clients normalizing server responses.
func Normalize(record map[string]any, sourceFile, raw string) (models.Event, error) {
	eventType := pickString(record, typeKeys...)
	if eventType == "" {
		return models.Event{}, &MalformedError{Raw: raw, Reason: "missing event type"}
	}
	tsText := pickString(record, timestampKeys...)
	if tsText == "" {
		return models.Event{}, &MalformedError{Raw: raw, Reason: "missing timestamp"}
	}
	ts, err := ParseTimestamp(tsText)
	if err != nil {
		return models.Event{}, &MalformedError{Raw: raw, Reason: err.Error()}
	}
	if sourceFile == "" {
		sourceFile = pickString(record, "source_file")
	}
	if sourceFile != "" {
		sourceFile = filepath.Base(sourceFile)
	}
	if raw == "" {
		raw = pickString(record, "raw")
	}

	evt := models.Event{
		ID:         pickString(record, idKeys...),
		Timestamp:  ts,
		Type:       eventType,
		Payload:    payloadOf(record),
		RawText:    raw,
		SourceFile: sourceFile,
	}
	if evt.ID == "" {
		evt.ID = DeriveID(evt.SourceFile, evt.Timestamp, evt.Type)
	}
	return evt, nil
}

// DeriveID returns the stable id used when a line carries none of its own.
func DeriveID(sourceFile string, ts time.Time, eventType string) string {
	if sourceFile != "" {
		sourceFile = filepath.Base(sourceFile)
	}
	key := sourceFile + "\x00" + ts.UTC().Format(time.RFC3339Nano) + "\x00" + eventType
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// ParseTimestamp accepts RFC3339 (with or without fractional seconds) and a few
// layouts seen in older journals. Results are UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", s)
}

// payloadOf returns the event body. A "data" envelope wins when it is the only
// non-envelope field; a data string that fails to decode yields an empty payload.
func payloadOf(record map[string]any) map[string]any {
	extra := 0
	for k := range record {
		if !reservedKeys[k] && k != "data" {
			extra++
		}
	}
	if body, ok := record["data"]; ok && extra == 0 {
		switch v := body.(type) {
		case map[string]any:
			return v
		case string:
			return decodeObject(v)
		default:
			return map[string]any{}
		}
	}

	payload := make(map[string]any, len(record))
	for k, v := range record {
		if !reservedKeys[k] {
			payload[k] = v
		}
	}
	return payload
}

func decodeObject(s string) map[string]any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func pickString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
