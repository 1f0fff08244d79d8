package serialization

import (
	"encoding/json"
	"errors"
	"unicode/utf8"

	"github.com/glimte/satmesh-go/contracts"
)

var (
	ErrNilEnvelope = errors.New("envelope cannot be nil")
	ErrEmptyData   = errors.New("data cannot be empty")
	ErrInvalidUTF8 = errors.New("data is not valid UTF-8")
)

// Codec converts envelopes to and from their JSON wire form.
type Codec struct {
	prettyPrint bool
	owner       string
}

// CodecOption configures a Codec
type CodecOption func(*Codec)

// WithPrettyPrint indents encoded output.
func WithPrettyPrint(pretty bool) CodecOption {
	return func(c *Codec) {
		c.prettyPrint = pretty
	}
}

// WithDefaultOwner sets the requestOwner stamped on envelopes created by Wrap.
func WithDefaultOwner(owner string) CodecOption {
	return func(c *Codec) {
		c.owner = owner
	}
}

// NewCodec creates a JSON envelope codec
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode serializes an envelope.
func (c *Codec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, newEncodingError("encode", ErrNilEnvelope)
	}

	var (
		data []byte
		err  error
	)
	if c.prettyPrint {
		data, err = json.MarshalIndent(env, "", "  ")
	} else {
		data, err = json.Marshal(env)
	}
	if err != nil {
		return nil, newEncodingError("encode", err)
	}
	return data, nil
}

// Decode parses wire bytes into an envelope.
func (c *Codec) Decode(data []byte) (*contracts.Envelope, error) {
	if len(data) == 0 {
		return nil, newDecodingError("decode", "", ErrEmptyData)
	}
	if !utf8.Valid(data) {
		return nil, newDecodingError("decode", "", ErrInvalidUTF8)
	}

	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, newDecodingError("decode", "", err)
	}
	return &env, nil
}

// Wrap builds an envelope around body. An existing envelope is returned as is
// so relays keep their correlation id.
func (c *Codec) Wrap(body any, opts ...contracts.EnvelopeOption) (*contracts.Envelope, error) {
	if env, ok := body.(*contracts.Envelope); ok {
		if env == nil {
			return nil, newEncodingError("wrap", ErrNilEnvelope)
		}
		return env, nil
	}

	if c.owner != "" {
		opts = append([]contracts.EnvelopeOption{contracts.WithRequestOwner(c.owner)}, opts...)
	}
	env, err := contracts.NewEnvelope(body, opts...)
	if err != nil {
		return nil, newEncodingError("wrap", err)
	}
	return env, nil
}

// Marshal wraps body and encodes it in one step.
func (c *Codec) Marshal(body any, opts ...contracts.EnvelopeOption) (*contracts.Envelope, []byte, error) {
	env, err := c.Wrap(body, opts...)
	if err != nil {
		return nil, nil, err
	}
	data, err := c.Encode(env)
	if err != nil {
		return nil, nil, err
	}
	return env, data, nil
}
