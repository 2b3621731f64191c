// Package signaling implements the named request/response channel that
// carries the offer and the answer between two peers before any direct
// transport exists. The first peer to create the channel becomes its
// provider (answerer); the second connects as its client (offerer).
package signaling

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Actions carried over the channel.
const (
	ActionOffer  = "offer-description"
	ActionAnswer = "answer-description"
)

// Response status codes.
const (
	StatusOK         = 200
	StatusBadRequest = 400
	StatusNotFound   = 404
	StatusConflict   = 409
	StatusInternal   = 500
)

// Role is the side of the channel a peer ended up on.
type Role string

const (
	RoleProvider Role = "provider"
	RoleClient   Role = "client"
)

// Identity names a channel participant.
type Identity struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

// NewIdentity returns an Identity with a fresh random UUID.
func NewIdentity(name string) Identity {
	return Identity{UUID: uuid.NewString(), Name: name}
}

func (id Identity) String() string {
	return fmt.Sprintf("%s/%s", id.Name, id.UUID)
}

// Payload is both the request body and the response of every action.
type Payload struct {
	Description *webrtc.SessionDescription `json:"description,omitempty"`
	Status      int                        `json:"status,omitempty"`
	Error       string                     `json:"error,omitempty"`
}

// OK builds a successful response, optionally carrying a description.
func OK(desc *webrtc.SessionDescription) Payload {
	return Payload{Description: desc, Status: StatusOK}
}

// Failure builds an error response.
func Failure(status int, err error) Payload {
	return Payload{Status: status, Error: err.Error()}
}

// StatusError is returned by Payload.Err for non-200 responses.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("signaling response status %d", e.Status)
	}
	return fmt.Sprintf("signaling response status %d: %s", e.Status, e.Message)
}

// Err interprets p as a response: nil for status 200, a *StatusError otherwise.
func (p Payload) Err() error {
	if p.Status == StatusOK {
		return nil
	}
	return &StatusError{Status: p.Status, Message: p.Error}
}

// envelope is the JSON frame exchanged over a socket connection.
type envelope struct {
	Kind    string  `json:"kind"`
	ID      uint64  `json:"id"`
	Action  string  `json:"action,omitempty"`
	Payload Payload `json:"payload"`
}

const (
	kindRequest  = "request"
	kindResponse = "response"
)
