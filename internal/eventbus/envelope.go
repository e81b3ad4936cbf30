package eventbus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DLQSuffix is appended to a subject once its delivery retries are exhausted.
const DLQSuffix = ".dlq"

// Envelope wraps every message crossing the bus with the metadata needed
// for tracing, ordering and redelivery accounting.
type Envelope struct {
	EventID       string          `json:"eventId"`
	Subject       string          `json:"subject"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	PublishedAt   time.Time       `json:"publishedAt"`
	SchemaVersion int             `json:"schemaVersion"`
	RetryCount    int             `json:"retryCount"`
	SourceService string          `json:"sourceService"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload for publishing. The correlation id is taken
// from the context when present, otherwise a fresh one is minted.
func NewEnvelope(subject, correlationID, causationID, source string, schemaVersion int, data []byte) Envelope {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Envelope{
		EventID:       uuid.NewString(),
		Subject:       subject,
		CorrelationID: correlationID,
		CausationID:   causationID,
		PublishedAt:   time.Now().UTC(),
		SchemaVersion: schemaVersion,
		RetryCount:    0,
		SourceService: source,
		Data:          data,
	}
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// DeadLetter is what lands on the <subject>.dlq subject when an envelope
// exhausts its retries. It keeps the whole envelope so an operator can
// replay it.
type DeadLetter struct {
	OriginalSubject string    `json:"originalSubject"`
	Envelope        Envelope  `json:"envelope"`
	Error           string    `json:"error"`
	FailedAt        time.Time `json:"failedAt"`
}
