package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CommandName is the discriminator of a request sent to a page context
type CommandName string

const (
	CommandAreYouReady CommandName = "areYouReady"
	CommandSetInput    CommandName = "setInput"
	CommandClickSend   CommandName = "clickSend"
)

// ResponseStatus is the discriminator of a response sent to the external process
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
)

// EventResponseReceived is the only success event a page currently produces
const EventResponseReceived = "responseReceived"

// SignalContentReady is the readiness signal type a page context sends once it
// can accept commands. It lives in the "type" namespace, never "command" or "status".
const SignalContentReady = "content_ready"

var (
	ErrEmptyMessage     = errors.New("empty message")
	ErrMissingCommand   = errors.New("missing command")
	ErrUnknownCommand   = errors.New("unknown command")
	ErrMissingPayload   = errors.New("missing payload")
	ErrMissingEvent     = errors.New("missing event")
	ErrUnknownStatus    = errors.New("unknown status")
	ErrUnrecognizedPage = errors.New("unrecognized page message")
)

// TextPayload carries text in both directions
type TextPayload struct {
	Text string `json:"text"`
}

// Command is a request directed at a page context
type Command struct {
	Command CommandName  `json:"command"`
	Payload *TextPayload `json:"payload,omitempty"`
}

// AreYouReady builds a readiness check
func AreYouReady() Command {
	return Command{Command: CommandAreYouReady}
}

// SetInput builds a text-input command
func SetInput(text string) Command {
	return Command{Command: CommandSetInput, Payload: &TextPayload{Text: text}}
}

// ClickSend builds a send-button command
func ClickSend() Command {
	return Command{Command: CommandClickSend}
}

// Validate checks the tag and the payload shape the tag requires
func (c Command) Validate() error {
	switch c.Command {
	case CommandAreYouReady, CommandClickSend:
		return nil
	case CommandSetInput:
		if c.Payload == nil {
			return fmt.Errorf("%s: %w", c.Command, ErrMissingPayload)
		}
		return nil
	case "":
		return ErrMissingCommand
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, c.Command)
	}
}

// ParseCommand decodes and validates a request
func ParseCommand(raw []byte) (Command, error) {
	if len(raw) == 0 {
		return Command{}, ErrEmptyMessage
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid command json: %w", err)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Response is a result directed at the external process
type Response struct {
	Status  ResponseStatus `json:"status"`
	Event   string         `json:"event,omitempty"`
	Payload *TextPayload   `json:"payload,omitempty"`
	Message string         `json:"message,omitempty"`
}

// SuccessResponse wraps response text extracted from the page
func SuccessResponse(text string) Response {
	return Response{
		Status:  StatusSuccess,
		Event:   EventResponseReceived,
		Payload: &TextPayload{Text: text},
	}
}

// ErrorResponse builds an error result
func ErrorResponse(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// Text returns the payload text of a success response
func (r Response) Text() string {
	if r.Payload == nil {
		return ""
	}
	return r.Payload.Text
}

// IsResponseReceived reports whether r carries extracted response text
func (r Response) IsResponseReceived() bool {
	return r.Status == StatusSuccess && r.Event == EventResponseReceived
}

// Validate checks the status tag and the fields the tag requires
func (r Response) Validate() error {
	switch r.Status {
	case StatusSuccess:
		if r.Event == "" {
			return fmt.Errorf("%s: %w", r.Status, ErrMissingEvent)
		}
		if r.Payload == nil {
			return fmt.Errorf("%s: %w", r.Status, ErrMissingPayload)
		}
		return nil
	case StatusError:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStatus, r.Status)
	}
}

// MarshalJSON writes only the fields of r's variant. An error always carries
// its message, even when empty.
func (r Response) MarshalJSON() ([]byte, error) {
	if r.Status == StatusError {
		return json.Marshal(struct {
			Status  ResponseStatus `json:"status"`
			Message string         `json:"message"`
		}{r.Status, r.Message})
	}

	type wire Response
	return json.Marshal(wire(r))
}

// ReadySignal is sent by a page context when it can accept commands
type ReadySignal struct {
	Type string `json:"type"`
}

// ContentReady builds the readiness signal
func ContentReady() ReadySignal {
	return ReadySignal{Type: SignalContentReady}
}

// PageMessage is anything a page context sends upstream: either the readiness
// signal or a response to forward.
type PageMessage struct {
	Ready    bool
	Response Response
}

// ParsePageMessage tells readiness signals apart from responses
func ParsePageMessage(raw []byte) (PageMessage, error) {
	if len(raw) == 0 {
		return PageMessage{}, ErrEmptyMessage
	}

	var probe struct {
		Type   string         `json:"type"`
		Status ResponseStatus `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return PageMessage{}, fmt.Errorf("invalid page message json: %w", err)
	}

	if probe.Type == SignalContentReady {
		return PageMessage{Ready: true}, nil
	}
	if probe.Status == "" {
		return PageMessage{}, ErrUnrecognizedPage
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return PageMessage{}, fmt.Errorf("invalid response json: %w", err)
	}
	if err := resp.Validate(); err != nil {
		return PageMessage{}, err
	}
	return PageMessage{Response: resp}, nil
}
