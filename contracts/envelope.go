package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidBody is returned when a body cannot be represented as JSON.
	ErrInvalidBody = errors.New("contracts: body is not JSON-encodable")
	// ErrMissingBody is returned when a wire message has neither "body" nor "message".
	ErrMissingBody = errors.New("contracts: envelope has no body")
)

// Details carries request metadata set when the envelope is first created.
type Details struct {
	RequestTime  time.Time `json:"requestTime"`
	RequestOwner string    `json:"requestOwner,omitempty"`
}

// requestTimeLayouts lists accepted requestTime encodings. Producers that
// emit naive ISO-8601 timestamps are read as UTC.
var requestTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON accepts RFC 3339 and naive ISO-8601 request times.
func (d *Details) UnmarshalJSON(data []byte) error {
	var raw struct {
		RequestTime  string `json:"requestTime"`
		RequestOwner string `json:"requestOwner"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.RequestOwner = raw.RequestOwner
	d.RequestTime = time.Time{}
	if raw.RequestTime == "" {
		return nil
	}
	for _, layout := range requestTimeLayouts {
		if t, err := time.Parse(layout, raw.RequestTime); err == nil {
			d.RequestTime = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("contracts: unrecognized requestTime %q", raw.RequestTime)
}

// Envelope wraps a message body with its correlation metadata.
//
// The zero value is not useful; build envelopes with NewEnvelope or decode
// them from the wire. Correlation id and details cannot be changed after
// creation.
type Envelope struct {
	body          json.RawMessage
	correlationID string
	details       Details
}

// EnvelopeOption configures envelope creation
type EnvelopeOption func(*Envelope)

// WithRequestOwner records who originated the request.
func WithRequestOwner(owner string) EnvelopeOption {
	return func(e *Envelope) {
		e.details.RequestOwner = owner
	}
}

// WithRequestTime overrides the creation timestamp.
func WithRequestTime(t time.Time) EnvelopeOption {
	return func(e *Envelope) {
		e.details.RequestTime = t.UTC()
	}
}

// WithCorrelationID adopts an id issued upstream instead of generating one.
func WithCorrelationID(id string) EnvelopeOption {
	return func(e *Envelope) {
		if id != "" {
			e.correlationID = id
		}
	}
}

// NewEnvelope creates an envelope around body with a fresh UUID v4
// correlation id and the current UTC time.
func NewEnvelope(body any, opts ...EnvelopeOption) (*Envelope, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		body:          raw,
		correlationID: uuid.New().String(),
		details:       Details{RequestTime: time.Now().UTC()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Relay returns a new envelope carrying body under the same correlation id
// and details.
func (e *Envelope) Relay(body any) (*Envelope, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		body:          raw,
		correlationID: e.correlationID,
		details:       e.details,
	}, nil
}

// Body returns the raw JSON body.
func (e *Envelope) Body() json.RawMessage {
	return e.body
}

// CorrelationID returns the id shared by every hop of this message.
func (e *Envelope) CorrelationID() string {
	return e.correlationID
}

// Details returns the request metadata.
func (e *Envelope) Details() Details {
	return e.details
}

// RequestTime returns when the message was first created.
func (e *Envelope) RequestTime() time.Time {
	return e.details.RequestTime
}

// RequestOwner returns the originating owner, or "" when unset.
func (e *Envelope) RequestOwner() string {
	return e.details.RequestOwner
}

// DecodeBody unmarshals the body into v.
func (e *Envelope) DecodeBody(v any) error {
	if len(e.body) == 0 {
		return ErrMissingBody
	}
	return json.Unmarshal(e.body, v)
}

type wireEnvelope struct {
	Body          json.RawMessage `json:"body,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Details       *Details        `json:"details,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e *Envelope) MarshalJSON() ([]byte, error) {
	body := e.body
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	details := e.details
	return json.Marshal(wireEnvelope{
		Body:          body,
		CorrelationID: e.correlationID,
		Details:       &details,
	})
}

// UnmarshalJSON implements json.Unmarshaler. The legacy "message" key is
// accepted when "body" is absent.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	body := w.Body
	if len(body) == 0 {
		body = w.Message
	}
	if len(body) == 0 {
		return ErrMissingBody
	}

	e.body = body
	e.correlationID = w.CorrelationID
	e.details = Details{}
	if w.Details != nil {
		e.details = *w.Details
	}
	return nil
}

func marshalBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case json.RawMessage:
		if !json.Valid(b) {
			return nil, fmt.Errorf("%w: raw message is not valid JSON", ErrInvalidBody)
		}
		return bytes.Clone(b), nil
	case *Envelope:
		return nil, fmt.Errorf("%w: envelopes cannot be nested, use Relay", ErrInvalidBody)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return raw, nil
}
