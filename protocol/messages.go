package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnknownMessage is returned when an envelope carries an unrecognized type.
var ErrUnknownMessage = errors.New("unknown message type")

// MessageType identifies a message on the wire.
type MessageType string

const (
	JoinType                    MessageType = "join"
	RequestAddressInfoType      MessageType = "request_address_info"
	AddressInfoType             MessageType = "address_info"
	SessionConfigType           MessageType = "session_config"
	ReadyForComputationType     MessageType = "ready_for_computation"
	RequestComputationStartType MessageType = "request_computation_start"
	ComputationStartedType      MessageType = "computation_started"
)

// Message is implemented by every protocol message.
type Message interface {
	Type() MessageType
}

// Join is sent by a member to enter a session.
type Join struct {
	MemberID int `json:"member_id"`
}

// RequestAddressInfo asks a member for its evaluation port.
type RequestAddressInfo struct{}

// AddressInfo answers RequestAddressInfo.
type AddressInfo struct {
	EvalPort int `json:"eval_port"`
}

// SessionConfig carries everything a member needs to start the evaluation.
type SessionConfig struct {
	PartyID       int           `json:"party_id"`
	Kind          AuctionKind   `json:"kind"`
	Suite         Suite         `json:"suite"`
	Preprocessing Preprocessing `json:"preprocessing"`
	// Addresses is the serialized AddressTable, one "partyId:ip:port" per entry.
	Addresses []string `json:"addresses"`
}

// ReadyForComputation signals that the member processed SessionConfig.
type ReadyForComputation struct{}

// RequestComputationStart allows a member to start its evaluation.
type RequestComputationStart struct{}

// ComputationStarted acknowledges RequestComputationStart.
type ComputationStarted struct{}

func (Join) Type() MessageType                    { return JoinType }
func (RequestAddressInfo) Type() MessageType      { return RequestAddressInfoType }
func (AddressInfo) Type() MessageType             { return AddressInfoType }
func (SessionConfig) Type() MessageType           { return SessionConfigType }
func (ReadyForComputation) Type() MessageType     { return ReadyForComputationType }
func (RequestComputationStart) Type() MessageType { return RequestComputationStartType }
func (ComputationStarted) Type() MessageType      { return ComputationStartedType }

// Envelope is the wire representation of a Message.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Wrap encodes a message into an envelope.
func Wrap(msg Message) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return &Envelope{Type: msg.Type(), Payload: payload}, nil
}

// Unwrap decodes the message carried by the envelope.
func (e *Envelope) Unwrap() (Message, error) {
	switch e.Type {
	case JoinType:
		return unwrapPayload[Join](e.Payload)
	case RequestAddressInfoType:
		return unwrapPayload[RequestAddressInfo](e.Payload)
	case AddressInfoType:
		return unwrapPayload[AddressInfo](e.Payload)
	case SessionConfigType:
		return unwrapPayload[SessionConfig](e.Payload)
	case ReadyForComputationType:
		return unwrapPayload[ReadyForComputation](e.Payload)
	case RequestComputationStartType:
		return unwrapPayload[RequestComputationStart](e.Payload)
	case ComputationStartedType:
		return unwrapPayload[ComputationStarted](e.Payload)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, e.Type)
}

func unwrapPayload[T Message](payload json.RawMessage) (Message, error) {
	var msg T
	if len(payload) == 0 {
		return msg, nil
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msg.Type(), err)
	}
	return msg, nil
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
