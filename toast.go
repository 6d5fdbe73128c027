package main

import (
	"encoding/json"
	"errors"
)

// Toast types sent to a single websocket client.
const (
	toastEvent    = "event"
	toastAck      = "ack"
	toastRejected = "rejected"
	toastError    = "error"
)

// Toast is one outbound websocket frame. Events go to every viewer allowed to
// see them; acks, rejections and errors only to the client that acted.
type Toast struct {
	Type    string     `json:"type"`
	Ref     string     `json:"ref,omitempty"`
	Event   *GameEvent `json:"event,omitempty"`
	Reason  Reason     `json:"reason,omitempty"`
	Message string     `json:"message,omitempty"`
	Result  any        `json:"result,omitempty"`
}

func eventToast(e GameEvent) Toast {
	return Toast{Type: toastEvent, Event: &e}
}

func ackToast(ref string, result any) Toast {
	return Toast{Type: toastAck, Ref: ref, Result: result}
}

func rejectedToast(ref string, reason Reason, message string) Toast {
	return Toast{Type: toastRejected, Ref: ref, Reason: reason, Message: message}
}

// errorToast relays a GameError's reason; internal failures stay opaque.
func errorToast(ref string, err error) Toast {
	if KindOf(err) == KindInternal {
		return Toast{Type: toastError, Ref: ref, Message: "internal error"}
	}
	var ge *GameError
	errors.As(err, &ge)
	return Toast{Type: toastError, Ref: ref, Reason: ge.Reason, Message: ge.Message}
}

func (t Toast) encode() ([]byte, error) {
	return json.Marshal(t)
}
