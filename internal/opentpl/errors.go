package opentpl

import "errors"

// ErrNotConnected is returned when a command is issued on a disconnected
// connection.
var ErrNotConnected = errors.New("not connected")

// ErrConnectionLost resolves every command still in flight when the
// connection drops. Callers awaiting RunCommand must treat it as a normal,
// if unwelcome, completion.
var ErrConnectionLost = errors.New("connection lost")

// CommandError is the terminal error of a command that the controller
// rejected with COMMAND FAILED.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return "command failed"
	}
	return "command failed: " + e.Message
}
