package mockastelco_test

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/SEEING_MONITOR/internal/mockastelco"
)

// tclient is a raw line-level protocol client for poking the server
// directly.
type tclient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startServer(t *testing.T, cfg mockastelco.Config) *mockastelco.Server {
	t.Helper()
	srv := mockastelco.NewServer(cfg, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, srv *mockastelco.Server) *tclient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &tclient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *tclient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *tclient) readLine() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSpace(line)
}

func (c *tclient) expect(lines ...string) {
	c.t.Helper()
	for _, want := range lines {
		assert.Equal(c.t, want, c.readLine())
	}
}

// auth performs the handshake against an auth-requiring server.
func (c *tclient) auth() {
	c.t.Helper()
	welcome := c.readLine()
	require.Contains(c.t, welcome, "AUTH PLAIN")
	c.send(`AUTH PLAIN "admin" "admin"`)
	c.expect("AUTH OK 20 20")
}

func TestWelcomeWithoutAuthRequirement(t *testing.T) {
	srv := startServer(t, mockastelco.Config{})
	c := dial(t, srv)
	// The session is pre-authorized and the levels arrive unsolicited.
	c.expect("TPL2 2.0 CONN 1 AUTH ENC", "AUTH OK 20 20")
	c.send("1 GET DIMM.VERSION")
	c.expect("1 COMMAND OK",
		fmt.Sprintf("1 DATA INLINE DIMM.VERSION=%d", 0x00010100),
		"1 COMMAND COMPLETE")
}

func TestAuthGate(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.expect("TPL2 2.0 CONN 1 AUTH PLAIN ENC")

	// Commands before AUTH fail with the two-line rejection.
	c.send("7 GET DIMM.SEEING")
	c.expect("7 COMMAND ERROR UNAUTHENTICATED", "7 COMMAND FAILED")

	c.send(`AUTH PLAIN "admin" "admin"`)
	c.expect("AUTH OK 20 20")
	assert.True(t, srv.Authenticated())

	c.send("8 GET AMEBA.MODE")
	c.expect("8 COMMAND OK", "8 DATA INLINE AMEBA.MODE=1", "8 COMMAND COMPLETE")
}

func TestAuthUnsupportedMethod(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.expect("TPL2 2.0 CONN 1 AUTH PLAIN ENC")
	c.send(`AUTH DIGEST "admin" "admin"`)
	c.expect("AUTH UNSUPPORTED")
	assert.False(t, srv.Authenticated())
}

func TestSetGetRoundTrip(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.auth()

	c.send("1 SET WEATHER.RH=55.5;WEATHER.WIND=2")
	c.expect("1 COMMAND OK",
		"1 DATA OK WEATHER.RH",
		"1 DATA OK WEATHER.WIND",
		"1 COMMAND COMPLETE")

	// Lookup is case-insensitive; replies report uppercase names.
	c.send("2 GET weather.rh;WEATHER.WIND")
	c.expect("2 COMMAND OK",
		"2 DATA INLINE WEATHER.RH=55.5",
		"2 DATA INLINE WEATHER.WIND=2",
		"2 COMMAND COMPLETE")
}

func TestGetErrors(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.auth()

	c.send("3 GET WEATHER.BOGUS")
	c.expect("3 COMMAND OK",
		`3 DATA ERROR WEATHER.BOGUS FAILED 15 "field \"WEATHER.BOGUS\" does not exist"`,
		"3 COMMAND COMPLETE")

	c.send("4 GET NOWHERE.THING")
	c.expect("4 COMMAND OK",
		`4 DATA ERROR NOWHERE.THING FAILED 15 "nowhere not a valid module name"`,
		"4 COMMAND COMPLETE")
}

func TestSetErrors(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.auth()

	// Read-only variable.
	c.send("5 SET DIMM.SEEING=1.0")
	c.expect("5 COMMAND OK",
		`5 DATA ERROR DIMM.SEEING FAILED 15 "field \"DIMM.SEEING\" is read-only"`,
		"5 COMMAND COMPLETE")

	// Strings must be quoted.
	c.send("6 SET AMEBA.MANUAL.NAME=Polaris")
	c.expect("6 COMMAND OK",
		`6 DATA ERROR AMEBA.MANUAL.NAME FAILED 15 "all strings must be enclosed in double quotes"`,
		"6 COMMAND COMPLETE")

	c.send(`7 SET AMEBA.MANUAL.NAME="Polaris"`)
	c.expect("7 COMMAND OK", "7 DATA OK AMEBA.MANUAL.NAME", "7 COMMAND COMPLETE")

	c.send("8 GET AMEBA.MANUAL.NAME")
	c.expect("8 COMMAND OK",
		`8 DATA INLINE AMEBA.MANUAL.NAME="Polaris"`,
		"8 COMMAND COMPLETE")
}

func TestTypeProperty(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.auth()

	c.send("9 GET DIMM.SEEING!TYPE;AMEBA.MODE!TYPE;AMEBA.MANUAL.NAME!TYPE")
	c.expect("9 COMMAND OK",
		"9 DATA INLINE DIMM.SEEING!TYPE=2",
		"9 DATA INLINE AMEBA.MODE!TYPE=1",
		"9 DATA INLINE AMEBA.MANUAL.NAME!TYPE=3",
		"9 COMMAND COMPLETE")
}

func TestUnknownCommand(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.auth()

	c.send("10 FROB DIMM")
	c.expect(`10 COMMAND ERROR UNKNOWN "FROB DIMM"`,
		`10 COMMAND FAILED "Unknown command"`)
}

func TestDisconnect(t *testing.T) {
	srv := startServer(t, mockastelco.Config{RequireAuth: true})
	c := dial(t, srv)
	c.auth()

	c.send("DISCONNECT")
	c.expect("DISCONNECT OK")
	// The server closes the session after acknowledging.
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestAutoLoopLifecycle(t *testing.T) {
	srv := startServer(t, mockastelco.Config{
		RequireAuth:         true,
		SlewDuration:        10 * time.Millisecond,
		MeasurementDuration: 10 * time.Millisecond,
		Rng:                 rand.New(rand.NewSource(42)),
	})
	c := dial(t, srv)
	c.auth()

	// The initial weather prohibits operation.
	assert.False(t, srv.CanOpen())
	assert.False(t, srv.AutoRunning())

	c.send("1 SET WEATHER.RH=50;WEATHER.WIND=1;WEATHER.RAIN=0;SKY.STATUS=0;SKY.TEMP=-30")
	c.expect("1 COMMAND OK",
		"1 DATA OK WEATHER.RH",
		"1 DATA OK WEATHER.WIND",
		"1 DATA OK WEATHER.RAIN",
		"1 DATA OK SKY.STATUS",
		"1 DATA OK SKY.TEMP",
		"1 COMMAND COMPLETE")

	assert.True(t, srv.CanOpen())
	assert.True(t, srv.AutoRunning())

	// Wait for two measurement cycles and confirm the seeing moved.
	waitMeasurement(t, srv)
	c.send("2 GET DIMM.SEEING;DIMM.TIMESTAMP")
	first := c.readAll(t, 4)
	waitMeasurement(t, srv)
	c.send("3 GET DIMM.SEEING;DIMM.TIMESTAMP")
	second := c.readAll(t, 4)
	assert.NotEqual(t, strings.TrimPrefix(first[1], "2 "), strings.TrimPrefix(second[1], "3 "))

	// Rain stops the loop and parks the telescope.
	c.send("4 SET WEATHER.RAIN=1")
	c.expect("4 COMMAND OK", "4 DATA OK WEATHER.RAIN", "4 COMMAND COMPLETE")
	assert.Eventually(t, func() bool { return !srv.AutoRunning() },
		5*time.Second, 10*time.Millisecond)

	c.send("5 GET SCOPE.MOTION_STATE;SCOPE.ALT;AMEBA.STATE")
	c.expect("5 COMMAND OK",
		"5 DATA INLINE SCOPE.MOTION_STATE=-1",
		"5 DATA INLINE SCOPE.ALT=0",
		"5 DATA INLINE AMEBA.STATE=0",
		"5 COMMAND COMPLETE")
}

func TestAutoLoopRespectsMode(t *testing.T) {
	srv := startServer(t, mockastelco.Config{
		RequireAuth:         true,
		SlewDuration:        10 * time.Millisecond,
		MeasurementDuration: 10 * time.Millisecond,
	})
	c := dial(t, srv)
	c.auth()

	// Good weather but the ameba switched off: no automatic operation.
	c.send("1 SET AMEBA.MODE=0;WEATHER.RH=50;WEATHER.WIND=1;WEATHER.RAIN=0;SKY.STATUS=0;SKY.TEMP=-30")
	for i := 0; i < 8; i++ {
		c.readLine()
	}
	assert.True(t, srv.CanOpen())
	assert.False(t, srv.AutoRunning())

	c.send("2 SET AMEBA.MODE=1")
	c.expect("2 COMMAND OK", "2 DATA OK AMEBA.MODE", "2 COMMAND COMPLETE")
	assert.True(t, srv.AutoRunning())
}

func (c *tclient) readAll(t *testing.T, n int) []string {
	t.Helper()
	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		lines = append(lines, c.readLine())
	}
	return lines
}

func waitMeasurement(t *testing.T, srv *mockastelco.Server) {
	t.Helper()
	select {
	case <-srv.Measurements():
	case <-time.After(5 * time.Second):
		t.Fatal("no measurement produced")
	}
}
