package model

import "context"

// Request represents a structure for the requests.
type Request struct {
	// CommandCode is the command code.
	CommandCode CommandCode `json:"command_code"`
	// Command is the actual request payload.
	Command any `json:"command"`
}

// Response defines a structure for responses.
type Response struct {
	// CommandResponse holds the actual response data.
	CommandResponse any `json:"command_response"`
}

// CommandHandler represents a function that handles command requests and fills responses.
type CommandHandler func(request *Request, response *Response) error

// Transport interface definition that a provider needs to implement.
//
// The cluster is simulated in-process, so a transport delivers commands to
// node handlers directly; it is still allowed to drop, delay, or fail any
// individual call, and callers must treat a failed call as a missing response.
type Transport interface {
	// Send delivers the command request to the node with the given id.
	Send(ctx context.Context, nodeID int, request *Request, response *Response) error

	// Decode decodes the raw data into the target object.
	// Request and response payloads cross the transport as generic values,
	// the receiver needs to decode them.
	Decode(raw any, target any) error
}
