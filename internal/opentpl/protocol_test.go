package opentpl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name string
		line string
		want Reply
	}{
		{
			name: "command ok",
			line: "7 COMMAND OK",
			want: CommandState{ID: 7, State: "OK"},
		},
		{
			name: "command complete",
			line: "7 COMMAND COMPLETE",
			want: CommandState{ID: 7, State: "COMPLETE"},
		},
		{
			name: "command failed with message",
			line: `3 COMMAND FAILED "Unknown command"`,
			want: CommandState{ID: 3, State: "FAILED", Message: `"Unknown command"`},
		},
		{
			name: "command error unauthenticated",
			line: "1 COMMAND ERROR UNAUTHENTICATED",
			want: CommandState{ID: 1, State: "ERROR", Message: "UNAUTHENTICATED"},
		},
		{
			name: "data inline float",
			line: "12 DATA INLINE DIMM.SEEING=1.25",
			want: DataInline{ID: 12, Name: "DIMM.SEEING", Value: "1.25"},
		},
		{
			name: "data inline quoted string",
			line: `12 DATA INLINE AMEBA.CURRENT.NAME="HR 1325"`,
			want: DataInline{ID: 12, Name: "AMEBA.CURRENT.NAME", Value: `"HR 1325"`},
		},
		{
			name: "data inline null",
			line: "12 DATA INLINE DIMM.TIMESTAMP=NULL",
			want: DataInline{ID: 12, Name: "DIMM.TIMESTAMP", Value: "NULL"},
		},
		{
			name: "data error",
			line: `4 DATA ERROR WEATHER.BOGUS FAILED 15 "field does not exist"`,
			want: DataError{ID: 4, Name: "WEATHER.BOGUS", Error: `FAILED 15 "field does not exist"`},
		},
		{
			name: "data ok",
			line: "9 DATA OK WEATHER.WIND",
			want: DataOK{ID: 9, Name: "WEATHER.WIND"},
		},
		{
			name: "event with description",
			line: `0 EVENT ERROR SCOPE.STATUS:3 "motor fault"`,
			want: Event{ID: 0, Type: "ERROR", Name: "SCOPE.STATUS", Number: 3, Description: `"motor fault"`},
		},
		{
			name: "event without description",
			line: "0 EVENT INFO AMEBA.STATE:1",
			want: Event{ID: 0, Type: "INFO", Name: "AMEBA.STATE", Number: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseReply(tt.line)
			require.True(t, ok, "line should parse: %q", tt.line)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReplyUnrecognized(t *testing.T) {
	lines := []string{
		"",
		"TPL2 2.0 CONN 1 AUTH PLAIN ENC",
		"AUTH OK 20 20",
		"DISCONNECT OK",
		"COMMAND OK",             // no id
		"5 GIBBERISH",            // unknown keyword
		"5 DATA INLINE NOEQUALS", // malformed payload
	}
	for _, line := range lines {
		_, ok := ParseReply(line)
		assert.False(t, ok, "line should not parse: %q", line)
	}
}

func TestParseReplyOrderFirstMatchWins(t *testing.T) {
	// A line that superficially resembles DATA must still classify as a
	// COMMAND reply because the command-state grammar is tried first.
	got, ok := ParseReply("5 COMMAND OK DATA INLINE X=1")
	require.True(t, ok)
	cs, isState := got.(CommandState)
	require.True(t, isState)
	assert.Equal(t, "OK", cs.State)
	assert.Equal(t, "DATA INLINE X=1", cs.Message)
}

func TestFormatCommand(t *testing.T) {
	assert.Equal(t, "42 GET DIMM.SEEING", FormatCommand(42, "GET", "DIMM.SEEING"))
	assert.Equal(t, "1 SET WEATHER.RH=55.5;WEATHER.WIND=3",
		FormatCommand(1, "SET", "WEATHER.RH=55.5;WEATHER.WIND=3"))
}

func TestIsBadDataValue(t *testing.T) {
	assert.True(t, IsBadDataValue("BUSY"))
	assert.True(t, IsBadDataValue("FAILED 15 extra context"))
	assert.True(t, IsBadDataValue("LOCKEDBY other-client"))
	// Case-sensitive on the first token.
	assert.False(t, IsBadDataValue("busy"))
	assert.False(t, IsBadDataValue("Failed 15"))
	// Ordinary values are fine, even if a bad token appears later.
	assert.False(t, IsBadDataValue("1.25"))
	assert.False(t, IsBadDataValue("star FAILED"))
	assert.False(t, IsBadDataValue("NULL"))
}
