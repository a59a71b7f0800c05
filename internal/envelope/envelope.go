package envelope

import (
	"encoding/json"
	"time"

	"example.com/backstage/services/relay/config"
	"example.com/backstage/services/relay/internal/models"
	"example.com/backstage/services/relay/internal/redact"
)

// maxErrorLen bounds the error text carried in the envelope payload.
const maxErrorLen = 256

// Envelope is the canonical outbound shape sent to the observability sink.
// The payload is always the output of the redaction filter; nothing
// unredacted is ever serialized.
type Envelope struct {
	Source      string                 `json:"source"`
	Environment string                 `json:"environment"`
	Release     string                 `json:"release,omitempty"`
	SubjectIDs  map[string]string      `json:"subject_ids"`
	EventKey    string                 `json:"event_key"`
	CreatedAt   time.Time              `json:"created_at"`
	TraceID     string                 `json:"trace_id"`
	Payload     map[string]interface{} `json:"payload"`
}

// Build maps an event record into an outbound envelope. Payload fields take
// precedence over meta fields on key collision, and the record's id doubles
// as the trace id for correlation with the source system.
func Build(rec *models.EventRecord, cfg config.RelayConfig) *Envelope {
	merged := decodeMap(rec.Meta)
	for key, value := range decodeMap(rec.Payload) {
		merged[key] = value
	}

	if rec.Error != nil && *rec.Error != "" {
		merged["error"] = truncate(*rec.Error, maxErrorLen)
	}

	payload, ok := redact.Redact(merged).(map[string]interface{})
	if !ok {
		payload = map[string]interface{}{}
	}

	subjects := map[string]string{
		"tenant_id": rec.TenantID.String(),
	}
	if rec.CaseID != nil {
		subjects["case_id"] = rec.CaseID.String()
	}

	return &Envelope{
		Source:      cfg.Source,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		SubjectIDs:  subjects,
		EventKey:    rec.EventKey(),
		CreatedAt:   rec.CreatedAt,
		TraceID:     rec.ID.String(),
		Payload:     payload,
	}
}

// decodeMap unmarshals a stored JSON object, tolerating empty or malformed
// content. Producer payloads are untyped and must never fail the relay.
func decodeMap(raw []byte) map[string]interface{} {
	if len(raw) == 0 {
		return map[string]interface{}{}
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]interface{}{}
	}
	return m
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
