package opentpl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"go.uber.org/zap"
)

// authReplyRegexp matches the authorization reply sent by the controller
// after the welcome message: "AUTH {status} {read_level} {write_level}".
var authReplyRegexp = regexp.MustCompile(`AUTH\s+(\S+)\s+(\d+)\s+(\d+)`)

// Config holds the connection parameters for one OpenTPL endpoint.
type Config struct {
	// Host is the controller hostname or address.
	Host string `mapstructure:"host"`
	// Port is the controller TCP port.
	Port int `mapstructure:"port"`
	// AutoAuth skips the AUTH command; the controller authorizes the
	// connection on its own and still sends the AUTH reply.
	AutoAuth bool `mapstructure:"auto_auth"`
	// User for AUTH PLAIN.
	User string `mapstructure:"user"`
	// Password for AUTH PLAIN.
	Password string `mapstructure:"password"`
	// ConnectTimeout bounds the TCP dial.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// ReadTimeout bounds the welcome-message and auth-reply reads.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// MaxPendingCommands bounds the in-flight command registry; the
	// oldest entries are evicted in excess. A leak guard, not a
	// protocol requirement.
	MaxPendingCommands int `mapstructure:"max_pending_commands"`
}

// Connection is one authenticated TCP session to one OpenTPL endpoint.
//
// The connection is either fully connected (stream present, reply loop
// running) or fully disconnected; a command may only be sent while
// connected. Losing the connection resolves every in-flight command with
// ErrConnectionLost.
type Connection struct {
	cfg    Config
	logger *zap.Logger

	// mu guards the stream state and gates the authentication phase:
	// Connect holds it for the whole handshake, so no command bytes can
	// interleave with the AUTH exchange on the wire.
	mu         sync.Mutex
	conn       net.Conn
	reader     *bufio.Reader
	readLevel  int
	writeLevel int
	loopDone   chan struct{}

	// pendingMu guards the in-flight command registry.
	pendingMu sync.Mutex
	pending   map[int64]*Command
	order     []int64
}

// NewConnection creates a connection for the given endpoint. It does not
// dial; call Connect.
func NewConnection(cfg Config, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.MaxPendingCommands == 0 {
		cfg.MaxPendingCommands = 100
	}
	return &Connection{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "opentpl")),
		pending: make(map[int64]*Command),
	}
}

// Connected reports whether the connection is usable for RunCommand.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ReadLevel returns the read authorization level granted by the peer.
func (c *Connection) ReadLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readLevel
}

// WriteLevel returns the write authorization level granted by the peer.
func (c *Connection) WriteLevel() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLevel
}

// Connect dials the controller, reads the welcome message, authenticates
// and starts the reply-dispatch loop. The connection is usable for
// RunCommand only after Connect returns nil.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	done := c.loopDone
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		return errors.New("already connected")
	}
	// Await any previous reply loop so a stale loop can never consume
	// replies meant for the new session.
	if done != nil {
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return errors.New("already connected")
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	c.logger.Info("Connecting to Astelco DIMM", zap.String("addr", addr))

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	reader := bufio.NewReader(conn)

	welcome, err := readLine(conn, reader, c.cfg.ReadTimeout)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read welcome message: %w", err)
	}
	if !strings.Contains(welcome, "TPL") {
		_ = conn.Close()
		return errors.New("no welcome message from controller")
	}

	if !c.cfg.AutoAuth {
		// AUTH is unnumbered, per protocol convention.
		authLine := fmt.Sprintf(`AUTH PLAIN "%s" "%s"`, c.cfg.User, c.cfg.Password)
		if _, err := conn.Write(append([]byte(authLine), astelco.Terminator)); err != nil {
			_ = conn.Close()
			return fmt.Errorf("write auth command: %w", err)
		}
	}

	// The auth reply arrives even in auto-auth mode.
	reply, err := readLine(conn, reader, c.cfg.ReadTimeout)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("read auth reply: %w", err)
	}
	m := authReplyRegexp.FindStringSubmatch(reply)
	if m == nil || m[1] != "OK" {
		_ = conn.Close()
		return fmt.Errorf("not authorized: %q", reply)
	}
	c.readLevel, _ = strconv.Atoi(m[2])
	c.writeLevel, _ = strconv.Atoi(m[3])

	c.conn = conn
	c.reader = reader
	c.loopDone = make(chan struct{})
	go c.replyLoop(conn, reader, c.loopDone)

	c.logger.Info("Connected",
		zap.Int("read_level", c.readLevel),
		zap.Int("write_level", c.writeLevel))
	return nil
}

// Disconnect closes the connection. If still connected it sends a
// best-effort DISCONNECT first; failures there are logged, never raised,
// since disconnection must always complete. The reply loop's own teardown
// resolves all in-flight commands with ErrConnectionLost.
func (c *Connection) Disconnect() {
	c.logger.Debug("Disconnecting")
	c.mu.Lock()
	conn := c.conn
	done := c.loopDone
	c.mu.Unlock()

	if conn != nil {
		if err := c.writeLine("DISCONNECT"); err != nil {
			c.logger.Warn("Error trying to disconnect; ignoring", zap.Error(err))
		}
	}
	c.teardown(conn)
	if done != nil {
		<-done
	}
}

// RunCommand sends a numbered command and processes its replies. With
// waitDone it blocks until the command reaches a terminal state and
// re-raises the error the command was resolved with. The command is
// returned either way so the caller can inspect its data via the typed
// accessors.
func (c *Connection) RunCommand(ctx context.Context, name, arg string, waitDone bool) (*Command, error) {
	if !c.Connected() {
		return nil, ErrNotConnected
	}
	cmd := newCommand(name, arg)
	c.register(cmd)
	if err := c.writeLine(cmd.Format()); err != nil {
		c.unregister(cmd.ID)
		cmd.resolve(err)
		return nil, err
	}
	if waitDone {
		select {
		case <-ctx.Done():
			return cmd, ctx.Err()
		case <-cmd.Done():
			if err := cmd.Err(); err != nil {
				return cmd, err
			}
		}
	}
	return cmd, nil
}

// writeLine writes one terminated line to the controller. Any write
// failure tears the whole connection down so a single transport fault can
// never leave a half-open session behind.
func (c *Connection) writeLine(line string) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.logger.Debug("Write to controller", zap.String("line", line))
	_, err := conn.Write(append([]byte(line), astelco.Terminator))
	c.mu.Unlock()
	if err != nil {
		c.teardown(conn)
		return fmt.Errorf("write %q: %w", line, err)
	}
	return nil
}

// teardown closes and forgets the stream, but only if conn is still the
// current one; a reconnected session is left untouched.
func (c *Connection) teardown(conn net.Conn) {
	if conn == nil {
		return
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.reader = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// replyLoop is the single dedicated dispatch task of the connection. It
// reads one reply line at a time and routes it to the owning command. On
// any exit path it drains the in-flight registry, force-failing every
// remaining command, so commands never hang after a connection loss.
func (c *Connection) replyLoop(conn net.Conn, reader *bufio.Reader, done chan struct{}) {
	c.logger.Debug("Reply loop begins")
	defer func() {
		c.teardown(conn)
		c.failPending()
		close(done)
		c.logger.Debug("Reply loop done")
	}()
	for {
		raw, err := reader.ReadString(astelco.Terminator)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.ECONNRESET) {
				c.logger.Warn("Connection lost; reply loop ending")
			} else {
				c.logger.Error("Reply loop failed", zap.Error(err))
			}
			return
		}
		line := strings.TrimSpace(raw)
		c.logger.Debug("Read from controller", zap.String("line", line))
		reply, ok := ParseReply(line)
		if !ok {
			c.logger.Warn("Ignoring unrecognized reply", zap.String("line", line))
			continue
		}
		c.handleReply(reply, line)
	}
}

func (c *Connection) handleReply(reply Reply, line string) {
	if ev, ok := reply.(Event); ok {
		// Nothing relies on events; log them.
		c.logger.Info("Read event",
			zap.String("type", ev.Type),
			zap.String("name", ev.Name),
			zap.Int("number", ev.Number),
			zap.String("description", ev.Description))
		return
	}

	id := reply.CommandID()
	c.pendingMu.Lock()
	cmd := c.pending[id]
	c.pendingMu.Unlock()
	if cmd == nil {
		// The reply refers to a command no longer tracked. Log and keep
		// the dispatch loop alive.
		c.logger.Warn("Reply for unknown command",
			zap.Int64("id", id), zap.String("line", line))
		return
	}
	cmd.addReply(line)

	switch r := reply.(type) {
	case CommandState:
		c.handleCommandState(cmd, r)
	case DataError:
		errText := r.Error
		cmd.setData(r.Name, DataValue{OK: false, Value: &errText})
	case DataInline:
		cmd.setData(r.Name, c.decodeInlineValue(r.Name, r.Value))
	case DataOK:
		empty := ""
		cmd.setData(r.Name, DataValue{OK: true, Value: &empty})
	}

	if cmd.resolved() {
		c.unregister(id)
	}
}

// handleCommandState resolves the command on the terminal COMMAND states.
// OK, ERROR and the rest are not terminal; they stay available in the
// command's reply log.
func (c *Connection) handleCommandState(cmd *Command, r CommandState) {
	switch r.State {
	case "COMPLETE":
		if !cmd.resolve(nil) {
			c.logger.Warn("Cannot complete command; it already finished",
				zap.String("command", cmd.String()))
		}
	case "FAILED":
		if !cmd.resolve(&CommandError{Message: r.Message}) {
			c.logger.Warn("Cannot fail command; it already finished",
				zap.String("command", cmd.String()))
		}
	}
}

// decodeInlineValue normalizes a DATA INLINE value:
//
//   - a value whose first word is one of the bad-data tokens marks the
//     fetch as failed even though the reply was not a DATA ERROR;
//   - NULL decodes to value-unknown (ok, no value);
//   - surrounding double quotes are stripped from string values.
func (c *Connection) decodeInlineValue(name, value string) DataValue {
	first, _, _ := strings.Cut(value, " ")
	if _, bad := badDataReplies[first]; bad {
		c.logger.Warn("GET failed; treating the value as unknown",
			zap.String("name", name), zap.String("value", value))
		v := value
		return DataValue{OK: false, Value: &v}
	}
	if first == "NULL" {
		return DataValue{OK: true, Value: nil}
	}
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}
	return DataValue{OK: true, Value: &value}
}

func (c *Connection) register(cmd *Command) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pending[cmd.ID] = cmd
	c.order = append(c.order, cmd.ID)
	for len(c.pending) > c.cfg.MaxPendingCommands && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if old, ok := c.pending[oldest]; ok {
			delete(c.pending, oldest)
			c.logger.Warn("Evicting stale command", zap.String("command", old.String()))
		}
	}
}

func (c *Connection) unregister(id int64) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, id)
}

// PendingCount returns the number of in-flight commands.
func (c *Connection) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// failPending drains the registry, resolving every remaining command with
// ErrConnectionLost.
func (c *Connection) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*Command)
	c.order = nil
	c.pendingMu.Unlock()

	if len(pending) == 0 {
		return
	}
	c.logger.Debug("Terminating pending commands", zap.Int("count", len(pending)))
	for _, cmd := range pending {
		cmd.resolve(ErrConnectionLost)
	}
}

// readLine reads one terminated line with a deadline; used during the
// connect handshake before the reply loop exists.
func readLine(conn net.Conn, reader *bufio.Reader, timeout time.Duration) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	line, err := reader.ReadString(astelco.Terminator)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
