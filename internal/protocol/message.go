// Package protocol defines the typed envelopes exchanged with remote devices.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the application-level message types.
type Kind string

const (
	KindScore   Kind = "score"
	KindUniform Kind = "uniform"
	KindConnect Kind = "connect"
	KindMembers Kind = "members"
	KindSub     Kind = "sub"
	KindError   Kind = "error"
)

// ErrUnknownType signals a discriminator outside the known set.
var ErrUnknownType = errors.New("unknown message type")

// ErrMissingField signals that a required payload key is absent or blank.
var ErrMissingField = errors.New("missing required payload field")

// requiredKeys lists, per known type, the payload keys that must be present.
var requiredKeys = map[Kind][]string{
	KindScore:   {"home", "away"},
	KindUniform: {"home", "away"},
	KindConnect: {"nickname"},
	KindMembers: {"members"},
	KindSub:     {"code"},
	KindError:   {"message"},
}

// Envelope is the three-field wire message: a type discriminator, an untyped
// payload whose shape is determined by the type, and free-form metadata.
type Envelope struct {
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Decode parses a raw frame into an envelope.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: empty discriminator", ErrUnknownType)
	}
	return &env, nil
}

// Encode renders the envelope as a wire frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Known reports whether the discriminator belongs to the known set. Unknown
// types are tolerated as a forward-compatible fallback where the transport
// chooses to relay them verbatim.
func Known(kind string) bool {
	_, ok := requiredKeys[Kind(kind)]
	return ok
}

// Validate applies the two-stage check: the discriminator must be known and
// every required key for that type must be present and non-empty. The
// returned error names the offending type and key.
func Validate(env *Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrUnknownType)
	}
	keys, ok := requiredKeys[Kind(env.Type)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	for _, key := range keys {
		value, present := env.Data[key]
		if !present {
			return fmt.Errorf("%w: type %q key %q", ErrMissingField, env.Type, key)
		}
		if text, isString := value.(string); isString && text == "" {
			return fmt.Errorf("%w: type %q key %q", ErrMissingField, env.Type, key)
		}
	}
	return nil
}

// StringField extracts a string payload value, returning "" when absent.
func (e *Envelope) StringField(key string) string {
	if e == nil || e.Data == nil {
		return ""
	}
	value, _ := e.Data[key].(string)
	return value
}

// Response is the reply envelope, extending the wire message with an outcome
// code and human-readable message.
type Response struct {
	Envelope
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Encode renders the response as a wire frame, including the outcome fields
// the embedded envelope does not carry.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// ConnectResponse is the reply to a successful pairing handshake. It tells
// the device which destinations it is now bound to.
type ConnectResponse struct {
	Response
	PubPath    string `json:"pubPath"`
	SubPath    string `json:"subPath"`
	RemoteCode string `json:"remoteCode"`
}

// Encode renders the connect response as a wire frame.
func (r *ConnectResponse) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// NewConnectResponse builds the handshake reply for the given code.
func NewConnectResponse(remoteCode string) *ConnectResponse {
	return &ConnectResponse{
		Response: Response{
			Envelope: Envelope{Type: string(KindConnect)},
			Code:     200,
			Message:  "connected",
		},
		PubPath:    PublishPath(remoteCode),
		SubPath:    ReplyPath(remoteCode),
		RemoteCode: remoteCode,
	}
}

// NewSubscribeDone builds the reply confirming a subscription, naming the
// destination the caller is now bound to.
func NewSubscribeDone(destination string) *Response {
	return &Response{
		Envelope: Envelope{
			Type: "subscribeDone",
			Data: map[string]any{"destination": destination},
		},
		Code:    200,
		Message: "subscribed",
	}
}

// NewErrorResponse wraps a failure into the protocol's error envelope.
func NewErrorResponse(code int, message string) *Response {
	return &Response{
		Envelope: Envelope{
			Type: string(KindError),
			Data: map[string]any{"message": message},
		},
		Code:    code,
		Message: message,
	}
}

// NewMembersNotice builds the membership-change broadcast payload.
func NewMembersNotice(nicknames []string) *Envelope {
	members := make([]any, 0, len(nicknames))
	for _, nick := range nicknames {
		members = append(members, nick)
	}
	return &Envelope{
		Type: string(KindMembers),
		Data: map[string]any{"members": members},
	}
}
