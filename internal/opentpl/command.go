package opentpl

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
)

// commandID is the process-wide id generator. Ids are strictly increasing
// and never reused, even across reconnects.
var commandID atomic.Int64

func nextCommandID() int64 {
	return commandID.Add(1)
}

// DataValue is the outcome of one variable operation within a command.
//
// For a GET, OK is true and Value holds the variable's value as a string,
// with surrounding double quotes stripped; Value is nil when the
// controller reported NULL (value unknown). For a SET, OK is true and
// Value holds the empty string. On failure OK is false and Value holds
// the error text.
type DataValue struct {
	OK    bool
	Value *string
}

// Command is a single outstanding protocol transaction.
//
// A Command is created by Connection.RunCommand and mutated only by the
// connection's reply-dispatch loop. Its completion resolves exactly once:
// with a nil error on COMMAND COMPLETE, a *CommandError on COMMAND FAILED,
// or ErrConnectionLost if the connection drops while the command is still
// in flight.
type Command struct {
	ID   int64
	Name string
	Arg  string

	mu       sync.Mutex
	replies  []string
	data     map[string]DataValue
	err      error
	done     chan struct{}
	finished bool
}

func newCommand(name, arg string) *Command {
	return &Command{
		ID:   nextCommandID(),
		Name: name,
		Arg:  arg,
		data: make(map[string]DataValue),
		done: make(chan struct{}),
	}
}

// Format returns the command as an unterminated wire line.
func (c *Command) Format() string {
	return FormatCommand(c.ID, c.Name, c.Arg)
}

func (c *Command) String() string {
	return fmt.Sprintf("Command(id=%d, name=%s, arg=%s)", c.ID, c.Name, c.Arg)
}

// Done returns a channel that is closed when the command reaches a
// terminal state.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error of the command. It is only meaningful
// after Done is closed.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Replies returns a copy of the raw reply lines received for this command.
func (c *Command) Replies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.replies))
	copy(out, c.replies)
	return out
}

// Data returns the recorded outcome for one variable name.
func (c *Command) Data(name string) (DataValue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[name]
	return v, ok
}

// GetFloat returns the value of a variable as a float64, or NaN if the
// get failed, the value is unknown, or the value does not parse.
func (c *Command) GetFloat(name string) float64 {
	s, ok := c.value(name)
	if !ok {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// GetInt returns the value of a variable as an int, or badValue if the
// get failed, the value is unknown, or the value does not parse.
func (c *Command) GetInt(name string, badValue int) int {
	s, ok := c.value(name)
	if !ok {
		return badValue
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return badValue
	}
	return v
}

// GetString returns the value of a variable as a string, or badValue if
// the get failed or the value is unknown.
func (c *Command) GetString(name, badValue string) string {
	s, ok := c.value(name)
	if !ok {
		return badValue
	}
	return s
}

func (c *Command) value(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[name]
	if !ok || !v.OK || v.Value == nil {
		return "", false
	}
	return *v.Value, true
}

// addReply appends one raw reply line to the command's reply log.
func (c *Command) addReply(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, line)
}

// setData records the outcome for one variable.
func (c *Command) setData(name string, v DataValue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[name] = v
}

// resolve sets the command's terminal outcome. It returns false if the
// command already finished, in which case the outcome is not overwritten.
func (c *Command) resolve(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	c.err = err
	close(c.done)
	return true
}

// resolved reports whether the command reached a terminal state.
func (c *Command) resolved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}
