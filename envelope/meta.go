package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jocax/qollective-sub006/errors"
)

// CurrentVersion is the envelope metadata version stamped on new requests.
const CurrentVersion = "1.0"

// Meta carries the structured metadata of an envelope. All fields are
// optional; absent sections are omitted from the wire form. The Extensions
// map is flattened on serialization: every key becomes a top-level peer of
// the named sections.
type Meta struct {
	Timestamp   *time.Time
	RequestID   string
	Version     string
	Duration    *float64 // milliseconds, response-only
	Tenant      string
	OnBehalfOf  *OnBehalfOf
	Security    *SecurityMeta
	Debug       *DebugMeta
	Performance *PerformanceMeta
	Monitoring  *MonitoringMeta
	Tracing     *TracingMeta
	Extensions  map[string]any
}

// OnBehalfOf records a delegation: who the call is ultimately for, and who
// is delegating. All three fields are required when the record is present.
type OnBehalfOf struct {
	OriginalUser     string `json:"original_user"`
	DelegatingUser   string `json:"delegating_user"`
	DelegatingTenant string `json:"delegating_tenant"`
}

// Validate checks that all delegation fields are set.
func (o *OnBehalfOf) Validate() error {
	if o.OriginalUser == "" || o.DelegatingUser == "" || o.DelegatingTenant == "" {
		return errors.New(errors.KindValidation, "OnBehalfOf", "Validate",
			"original_user, delegating_user and delegating_tenant are all required")
	}
	return nil
}

// newRequestID returns a time-ordered UUID. Falls back to a random UUID if
// the v7 source fails.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ForNewRequest creates metadata for a fresh outbound request:
// timestamp = now, request_id = UUIDv7, version = CurrentVersion.
func ForNewRequest() *Meta {
	now := time.Now().UTC()
	return &Meta{
		Timestamp: &now,
		RequestID: newRequestID(),
		Version:   CurrentVersion,
	}
}

// PreserveForResponse derives response metadata from request metadata.
// Copied: request_id, tenant, version, on_behalf_of, security, tracing.
// Reset: timestamp = now. Cleared: duration, debug, performance,
// monitoring, extensions. A nil request yields fresh identity.
func PreserveForResponse(req *Meta) *Meta {
	now := time.Now().UTC()
	if req == nil {
		return &Meta{
			Timestamp: &now,
			RequestID: newRequestID(),
		}
	}
	return &Meta{
		Timestamp:  &now,
		RequestID:  req.RequestID,
		Version:    req.Version,
		Tenant:     req.Tenant,
		OnBehalfOf: req.OnBehalfOf.clone(),
		Security:   req.Security.clone(),
		Tracing:    req.Tracing.clone(),
	}
}

// Clone returns a deep copy of the metadata.
func (m *Meta) Clone() *Meta {
	if m == nil {
		return nil
	}
	out := &Meta{
		RequestID:   m.RequestID,
		Version:     m.Version,
		Tenant:      m.Tenant,
		OnBehalfOf:  m.OnBehalfOf.clone(),
		Security:    m.Security.clone(),
		Debug:       m.Debug.clone(),
		Performance: m.Performance.clone(),
		Monitoring:  m.Monitoring.clone(),
		Tracing:     m.Tracing.clone(),
	}
	if m.Timestamp != nil {
		ts := *m.Timestamp
		out.Timestamp = &ts
	}
	if m.Duration != nil {
		d := *m.Duration
		out.Duration = &d
	}
	if m.Extensions != nil {
		out.Extensions = make(map[string]any, len(m.Extensions))
		for k, v := range m.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}

// SetExtension sets an extension section, allocating the map on first use.
func (m *Meta) SetExtension(key string, value any) {
	if m.Extensions == nil {
		m.Extensions = make(map[string]any)
	}
	m.Extensions[key] = value
}

// GetExtension returns an extension section by key.
func (m *Meta) GetExtension(key string) (any, bool) {
	v, ok := m.Extensions[key]
	return v, ok
}

// RemoveExtension deletes an extension section.
func (m *Meta) RemoveExtension(key string) {
	delete(m.Extensions, key)
}

func (o *OnBehalfOf) clone() *OnBehalfOf {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// metaWire is the fixed part of the serialized metadata. Extension keys are
// merged in as top-level peers by MarshalJSON.
type metaWire struct {
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
	RequestID   string           `json:"request_id,omitempty"`
	Version     string           `json:"version,omitempty"`
	Duration    *float64         `json:"duration,omitempty"`
	Tenant      string           `json:"tenant,omitempty"`
	OnBehalfOf  *OnBehalfOf      `json:"on_behalf_of,omitempty"`
	Security    *SecurityMeta    `json:"security,omitempty"`
	Debug       *DebugMeta       `json:"debug,omitempty"`
	Performance *PerformanceMeta `json:"performance,omitempty"`
	Monitoring  *MonitoringMeta  `json:"monitoring,omitempty"`
	Tracing     *TracingMeta     `json:"tracing,omitempty"`
}

// knownMetaKeys are the top-level keys claimed by the fixed sections.
var knownMetaKeys = map[string]struct{}{
	"timestamp": {}, "request_id": {}, "version": {}, "duration": {},
	"tenant": {}, "on_behalf_of": {}, "security": {}, "debug": {},
	"performance": {}, "monitoring": {}, "tracing": {},
}

// MarshalJSON emits the fixed sections plus every extension key flattened
// to the top level. Extension keys never shadow known sections.
func (m *Meta) MarshalJSON() ([]byte, error) {
	wire := metaWire{
		Timestamp:   m.Timestamp,
		RequestID:   m.RequestID,
		Version:     m.Version,
		Duration:    m.Duration,
		Tenant:      m.Tenant,
		OnBehalfOf:  m.OnBehalfOf,
		Security:    m.Security,
		Debug:       m.Debug,
		Performance: m.Performance,
		Monitoring:  m.Monitoring,
		Tracing:     m.Tracing,
	}
	fixed, err := json.Marshal(wire)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "Meta", "MarshalJSON", "encode sections")
	}
	if len(m.Extensions) == 0 {
		return fixed, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(fixed, &merged); err != nil {
		return nil, errors.Wrap(err, errors.KindSerialization, "Meta", "MarshalJSON", "flatten sections")
	}
	for k, v := range m.Extensions {
		if _, reserved := knownMetaKeys[k]; reserved {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindSerialization, "Meta", "MarshalJSON", "encode extension "+k)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the fixed sections strictly and collects every
// unrecognized top-level key into Extensions. Typed sections that violate
// their invariants fail decoding with a validation error.
func (m *Meta) UnmarshalJSON(data []byte) error {
	var wire metaWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.Wrap(err, errors.KindValidation, "Meta", "UnmarshalJSON", "decode sections")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, errors.KindValidation, "Meta", "UnmarshalJSON", "decode keys")
	}

	*m = Meta{
		Timestamp:   wire.Timestamp,
		RequestID:   wire.RequestID,
		Version:     wire.Version,
		Duration:    wire.Duration,
		Tenant:      wire.Tenant,
		OnBehalfOf:  wire.OnBehalfOf,
		Security:    wire.Security,
		Debug:       wire.Debug,
		Performance: wire.Performance,
		Monitoring:  wire.Monitoring,
		Tracing:     wire.Tracing,
	}

	for k, v := range raw {
		if _, known := knownMetaKeys[k]; known {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return errors.Wrap(err, errors.KindValidation, "Meta", "UnmarshalJSON", "decode extension "+k)
		}
		m.SetExtension(k, val)
	}

	return m.Validate()
}

// Validate checks every present typed section against its invariants.
func (m *Meta) Validate() error {
	if m.OnBehalfOf != nil {
		if err := m.OnBehalfOf.Validate(); err != nil {
			return err
		}
	}
	if m.Security != nil {
		if err := m.Security.Validate(); err != nil {
			return err
		}
	}
	if m.Tracing != nil {
		if err := m.Tracing.Validate(); err != nil {
			return err
		}
	}
	return nil
}
