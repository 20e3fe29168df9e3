package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/storyforge/eventbackbone/internal/domain/errors"
)

// SpecVersion is the only CloudEvents spec version this backbone speaks.
const SpecVersion = "1.0"

// Event is the canonical envelope carried across the backbone.
// Immutable once published: constructors validate, nothing mutates after Store.
type Event struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	DataSchema      string          `json:"dataschema,omitempty"`
	Subject         string          `json:"subject,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`

	// Extension attributes
	CorrelationID string `json:"correlationid,omitempty"`
	UserID        string `json:"userid,omitempty"`
	SessionID     string `json:"sessionid,omitempty"`
	AgentName     string `json:"agentname,omitempty"`
	Platform      string `json:"platform,omitempty"`
}

// Options carries optional envelope attributes supplied at publish time.
type Options struct {
	CorrelationID string
	ParentEventID string
	Subject       string
	UserID        string
	SessionID     string
	AgentName     string
	Platform      string
}

// New creates a validated envelope with a fresh id and producer timestamp.
// The data payload is marshaled once here; the envelope never re-encodes it.
func New(eventType, source string, data interface{}, opts Options) (*Event, error) {
	if eventType == "" {
		return nil, errors.NewValidationError("MISSING_EVENT_TYPE", "event type is required")
	}
	if source == "" {
		return nil, errors.NewValidationError("MISSING_SOURCE", "event source is required")
	}

	var payload json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, errors.NewValidationError("INVALID_EVENT_DATA",
				"event data is not JSON-encodable").WithCause(err)
		}
		payload = encoded
	}

	return &Event{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              uuid.New().String(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Subject:         opts.Subject,
		Data:            payload,
		CorrelationID:   opts.CorrelationID,
		UserID:          opts.UserID,
		SessionID:       opts.SessionID,
		AgentName:       opts.AgentName,
		Platform:        opts.Platform,
	}, nil
}

// Validate checks the envelope invariants shared with the wire format.
func (e *Event) Validate() error {
	if e.SpecVersion != SpecVersion {
		return errors.NewValidationError("INVALID_SPEC_VERSION",
			"specversion must be \""+SpecVersion+"\"")
	}
	if e.Type == "" {
		return errors.NewValidationError("MISSING_EVENT_TYPE", "event type is required")
	}
	if e.Source == "" {
		return errors.NewValidationError("MISSING_SOURCE", "event source is required")
	}
	if e.ID == "" {
		return errors.NewValidationError("MISSING_EVENT_ID", "event id is required")
	}
	if e.Time.IsZero() {
		return errors.NewValidationError("MISSING_EVENT_TIME", "event time is required")
	}
	return nil
}

// Attribute returns a top-level envelope attribute by its wire name.
// Used by subscription filter patterns, which match on attribute equality.
func (e *Event) Attribute(name string) (string, bool) {
	switch name {
	case "specversion":
		return e.SpecVersion, true
	case "type":
		return e.Type, true
	case "source":
		return e.Source, true
	case "id":
		return e.ID, true
	case "datacontenttype":
		return e.DataContentType, e.DataContentType != ""
	case "dataschema":
		return e.DataSchema, e.DataSchema != ""
	case "subject":
		return e.Subject, e.Subject != ""
	case "correlationid":
		return e.CorrelationID, e.CorrelationID != ""
	case "userid":
		return e.UserID, e.UserID != ""
	case "sessionid":
		return e.SessionID, e.SessionID != ""
	case "agentname":
		return e.AgentName, e.AgentName != ""
	case "platform":
		return e.Platform, e.Platform != ""
	default:
		return "", false
	}
}

// envelopeShape mirrors the wire format with untyped fields so Parse can tell
// "missing" apart from "wrong type" before committing to the Event struct.
type envelopeShape struct {
	SpecVersion json.RawMessage `json:"specversion"`
	Type        json.RawMessage `json:"type"`
	Source      json.RawMessage `json:"source"`
	ID          json.RawMessage `json:"id"`
	Time        json.RawMessage `json:"time"`
}

// Parse decodes and validates a wire envelope. A value is a valid envelope iff
// it is a JSON object, specversion equals "1.0", and type, source, id and time
// are all strings.
func Parse(raw []byte) (*Event, error) {
	var shape envelopeShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, errors.NewValidationError("INVALID_ENVELOPE",
			"envelope is not a JSON object").WithCause(err)
	}

	for name, field := range map[string]json.RawMessage{
		"specversion": shape.SpecVersion,
		"type":        shape.Type,
		"source":      shape.Source,
		"id":          shape.ID,
		"time":        shape.Time,
	} {
		var s string
		if field == nil || json.Unmarshal(field, &s) != nil {
			return nil, errors.NewValidationError("INVALID_ENVELOPE",
				"required envelope field "+name+" is missing or not a string")
		}
	}

	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.NewValidationError("INVALID_ENVELOPE",
			"malformed envelope").WithCause(err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Marshal encodes the envelope for broker transport.
func (e *Event) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode envelope").WithCause(err)
	}
	return raw, nil
}
