// Package opentpl implements the client side of the Astelco OpenTPL
// protocol: a line-oriented, id-multiplexed text protocol used by the
// autonomous DIMM controller.
//
// Known limitations:
//   - The reply parser does not handle variable names with square
//     brackets, such as AXIS[0-1] or AXIS[0,1]. Do not try to get or set
//     variables defined this way.
//   - No attempt is made to encode special characters in strings. The
//     only strings written at present are the username and password of
//     the AUTH command; those must not contain backslashes or double
//     quotes.
package opentpl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// badDataReplies are first words that indicate that data for a specific
// variable could not be retrieved with a GET command. Only the first word
// of the reported value is checked, since FAILED and LOCKEDBY replies
// include additional information.
var badDataReplies = map[string]struct{}{
	"BUSY":      {},
	"DENIED":    {},
	"DIMENSION": {},
	"FAILED":    {},
	"INVALID":   {},
	"LOCKEDBY":  {},
	"TYPE":      {},
	"UNKNOWN":   {},
}

// Reply is one decoded line from the controller. The concrete type is one
// of CommandState, DataError, DataInline, DataOK or Event.
type Reply interface {
	// CommandID returns the id of the command the reply belongs to.
	// Unsolicited events carry id 0.
	CommandID() int64
}

// CommandState is a transaction lifecycle marker:
// "{id} COMMAND {state} [{message}]".
type CommandState struct {
	ID      int64
	State   string
	Message string
}

// DataError reports that a GET or SET failed for one variable:
// "{id} DATA ERROR {name} {error}".
type DataError struct {
	ID    int64
	Name  string
	Error string
}

// DataInline carries the GET payload for one variable:
// "{id} DATA INLINE {name}={value}".
type DataInline struct {
	ID    int64
	Name  string
	Value string
}

// DataOK acknowledges a SET for one variable: "{id} DATA OK {name}".
type DataOK struct {
	ID   int64
	Name string
}

// Event is an asynchronous notification:
// "{id} EVENT {type} {name}:{number} [{description}]".
type Event struct {
	ID          int64
	Type        string
	Name        string
	Number      int
	Description string
}

func (r CommandState) CommandID() int64 { return r.ID }
func (r DataError) CommandID() int64    { return r.ID }
func (r DataInline) CommandID() int64   { return r.ID }
func (r DataOK) CommandID() int64       { return r.ID }
func (r Event) CommandID() int64        { return r.ID }

// The reply grammars, in match order. First shape that matches wins.
var (
	commandStateRegexp = regexp.MustCompile(`^(\d+) +COMMAND +(\S+)( +(.*))?$`)
	dataErrorRegexp    = regexp.MustCompile(`^(\d+) +DATA +ERROR +(\S+) +(.+)$`)
	dataInlineRegexp   = regexp.MustCompile(`^(\d+) +DATA +INLINE +(\S+)=(.+)$`)
	dataOKRegexp       = regexp.MustCompile(`^(\d+) +DATA +OK +(\S+)`)
	eventRegexp        = regexp.MustCompile(`^(\d+) +EVENT +(\S+) +([^:\s]+):(\d+)( +(.+))?$`)
)

// ParseReply classifies one reply line, stripped of its terminator and
// surrounding whitespace. It returns false for lines that match none of
// the five reply grammars; such lines are logged and dropped by the
// caller, never treated as fatal.
func ParseReply(line string) (Reply, bool) {
	if m := commandStateRegexp.FindStringSubmatch(line); m != nil {
		return CommandState{
			ID:      parseID(m[1]),
			State:   m[2],
			Message: m[4],
		}, true
	}
	if m := dataErrorRegexp.FindStringSubmatch(line); m != nil {
		return DataError{
			ID:    parseID(m[1]),
			Name:  m[2],
			Error: m[3],
		}, true
	}
	if m := dataInlineRegexp.FindStringSubmatch(line); m != nil {
		return DataInline{
			ID:    parseID(m[1]),
			Name:  m[2],
			Value: m[3],
		}, true
	}
	if m := dataOKRegexp.FindStringSubmatch(line); m != nil {
		return DataOK{
			ID:   parseID(m[1]),
			Name: m[2],
		}, true
	}
	if m := eventRegexp.FindStringSubmatch(line); m != nil {
		number, _ := strconv.Atoi(m[4])
		return Event{
			ID:          parseID(m[1]),
			Type:        m[2],
			Name:        m[3],
			Number:      number,
			Description: m[6],
		}, true
	}
	return nil, false
}

func parseID(s string) int64 {
	id, _ := strconv.ParseInt(s, 10, 64)
	return id
}

// FormatCommand encodes an outbound numbered command as a single
// unterminated line.
func FormatCommand(id int64, name, arg string) string {
	return fmt.Sprintf("%d %s %s", id, name, arg)
}

// IsBadDataValue reports whether a DATA INLINE value marks the variable's
// fetch as failed even though the reply was not a DATA ERROR. The check is
// case-sensitive against the first whitespace-delimited token.
func IsBadDataValue(value string) bool {
	first, _, _ := strings.Cut(value, " ")
	_, bad := badDataReplies[first]
	return bad
}
