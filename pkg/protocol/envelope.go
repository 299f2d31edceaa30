package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yandexphp/auto-migration-data-bot-sub000/pkg/ledger"
)

// Protocol errors.
var (
	ErrMalformed   = errors.New("protocol: malformed envelope")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Type names a message kind.
type Type string

const (
	TypePing           Type = "PING"
	TypePong           Type = "PONG"
	TypeIssue          Type = "ISSUE"
	TypeProcessPending Type = "PROCESS_PENDING"
	TypeProcessStart   Type = "PROCESS_START"
	TypeProcessEnd     Type = "PROCESS_END"
)

// Valid reports whether t is part of the protocol.
func (t Type) Valid() bool {
	switch t {
	case TypePing, TypePong, TypeIssue, TypeProcessPending, TypeProcessStart, TypeProcessEnd:
		return true
	}
	return false
}

// Envelope is one message on the wire.
type Envelope struct {
	Type  Type            `json:"type"`
	Token string          `json:"token,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IssuePayload carries ledger records.
type IssuePayload struct {
	Issues []ledger.IssueRecord `json:"issues"`
}

// ProcessPayload wraps a claim message.
type ProcessPayload struct {
	Process Process `json:"process"`
}

// Process describes a claim on one backlog id. Requests set only ID; the
// relay fills in the rest on PROCESS_PENDING replies.
type Process struct {
	ID         string `json:"id"`
	IsPending  bool   `json:"isPending"`
	Granted    bool   `json:"granted,omitempty"`
	IsMigrated bool   `json:"isMigrated,omitempty"`
}

// New builds an envelope of type t with payload encoded as data. A nil
// payload produces an envelope without data.
func New(t Type, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Data = data
	return env, nil
}

// WithToken returns a copy of e carrying token.
func (e Envelope) WithToken(token string) Envelope {
	e.Token = token
	return e
}

// Issues decodes an ISSUE payload.
func (e Envelope) Issues() ([]ledger.IssueRecord, error) {
	if e.Type != TypeIssue {
		return nil, fmt.Errorf("%w: %s is not %s", ErrMalformed, e.Type, TypeIssue)
	}
	var p IssuePayload
	if err := decodeData(e.Data, &p); err != nil {
		return nil, err
	}
	return p.Issues, nil
}

// Process decodes a PROCESS_* payload.
func (e Envelope) Process() (Process, error) {
	var p ProcessPayload
	if err := decodeData(e.Data, &p); err != nil {
		return Process{}, err
	}
	if p.Process.ID == "" {
		return Process{}, fmt.Errorf("%w: %s without process id", ErrMalformed, e.Type)
	}
	return p.Process, nil
}

func decodeData(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode serializes an envelope.
func Encode(e Envelope) ([]byte, error) {
	if !e.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return json.Marshal(e)
}

// Decode parses and validates an inbound message.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	if !e.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	return e, nil
}
