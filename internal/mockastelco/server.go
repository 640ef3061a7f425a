// Package mockastelco implements a protocol-faithful simulated Astelco
// autonomous DIMM: the same line protocol as the real controller, with an
// authentication gate, a hierarchical GET/SET variable tree and an
// automatic-operation loop that synthesizes plausible telescope and
// seeing telemetry when the weather permits.
//
// Limitations include:
//   - Only AUTH PLAIN is supported and the username and password are not
//     checked.
//   - No encryption (ENC) and no ABORT command.
//   - No GET or SET of variable names with [], e.g. AXIS[0,1].
//   - Measurements are only simulated in automatic mode. The telescope
//     target and measurement values are random; each value is
//     individually plausible but related values are not correlated.
//   - Telescope and dome parking and unparking are instantaneous, and
//     there is no timeout for weather data: once acceptable weather is
//     set, automatic operation runs until unacceptable weather is set.
package mockastelco

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"go.uber.org/zap"
)

// Scope target ranges for randomized slews. Altitude must stay below 90
// degrees, due to the primitive airmass calculation.
var scopeDataRange = struct {
	ra, dec, az, alt [2]float64
}{
	ra:  [2]float64{0, 24},
	dec: [2]float64{-90, 45},
	az:  [2]float64{-180, 180},
	alt: [2]float64{5, 85},
}

// DIMM measurement ranges. Seeing is mean and standard deviation for a
// Gaussian distribution; the others are uniform bounds.
var dimmDataRange = struct {
	seeing, fluxLeft, fluxRight, fluxRMSLeft, fluxRMSRight, strehlLeft, strehlRight [2]float64
}{
	seeing:       [2]float64{0.5, 2.5},
	fluxLeft:     [2]float64{10000, 20000},
	fluxRight:    [2]float64{10000, 20000},
	fluxRMSLeft:  [2]float64{10000, 20000},
	fluxRMSRight: [2]float64{10000, 20000},
	strehlLeft:   [2]float64{0.1, 0.9},
	strehlRight:  [2]float64{0.1, 0.9},
}

// Command shapes, in match order. Case-insensitive like the instrument.
var (
	authCmdRegexp       = regexp.MustCompile(`(?i)^auth +(\S+) +(.+)$`)
	disconnectCmdRegexp = regexp.MustCompile(`(?i)^disconnect$`)
	getCmdRegexp        = regexp.MustCompile(`(?i)^(\d+) +get +(.+)$`)
	setCmdRegexp        = regexp.MustCompile(`(?i)^(\d+) +set +(.+)$`)
	cmdidRegexp         = regexp.MustCompile(`^(\d+) *(.*)$`)
	listSplitRegexp     = regexp.MustCompile(`; *`)
)

// Config configures the mock server.
type Config struct {
	// Port to listen on; 0 picks a free port (recommended for tests).
	Port int
	// RequireAuth gates every GET/SET behind a successful AUTH PLAIN.
	RequireAuth bool
	// SlewDuration is the simulated slew time between targets.
	SlewDuration time.Duration
	// MeasurementDuration is the simulated measurement interval.
	MeasurementDuration time.Duration
	// Limits are the automatic-operation startup conditions.
	Limits Limits
	// Rng is the random source for targets and measurements. Supply a
	// seeded generator for reproducible tests; nil uses a time seed.
	Rng *rand.Rand
}

// Server is the mock Astelco DIMM.
type Server struct {
	cfg    Config
	logger *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu           sync.Mutex
	closed       bool
	authSessions int
	rng          *rand.Rand
	vars         map[string]*variable

	ameba   amebaVars
	dimm    dimmVars
	dome    domeVars
	meteo   meteoVars
	scope   scopeVars
	weather weatherVars
	sky     skyVars

	autoCancel context.CancelFunc
	autoDone   chan struct{}

	// measured receives one token per simulated measurement, for test
	// synchronization.
	measured chan struct{}
}

// NewServer creates a mock DIMM. Call Start to begin listening.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SlewDuration == 0 {
		cfg.SlewDuration = time.Second
	}
	if cfg.MeasurementDuration == 0 {
		cfg.MeasurementDuration = time.Second
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "mock_astelco")),
		rng:      rng,
		measured: make(chan struct{}, 16),
	}

	s.ameba = amebaVars{
		version: moduleVersion,
		mode:    astelco.AmebaModeAuto,
		state:   astelco.AmebaStateInactive,
		current: amebaTargetVars{stellarClassfile: "aclassfile"},
		manual:  amebaTargetVars{stellarClass: "G5III", stellarClassfile: "aclassfile"},
	}
	s.dimm = dimmVars{version: moduleVersion}
	s.meteo = meteoVars{version: moduleVersion}
	s.scope = scopeVars{
		version:     moduleVersion,
		motionState: astelco.ScopeMotionStateParked,
		powerState:  astelco.PowerStateParked,
	}
	// Wind, humidity and rain start at values that prohibit automatic
	// operation; real weather data must actively override them.
	s.weather = weatherVars{
		wind: cfg.Limits.WindLow * 1.1,
		rh:   100.0,
		rain: astelco.RainStatePrecipitation,
	}
	s.sky = skyVars{
		status: astelco.SkyStatusPrecipitating,
		temp:   cfg.Limits.TempStart + 1,
	}
	s.buildVars()
	return s
}

// Start begins listening and serving clients.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener
	s.logger.Info("Mock Astelco DIMM listening", zap.String("addr", listener.Addr().String()))
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the listen address, useful with port 0.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops the automatic loop, the listener and all sessions.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	cancel := s.autoCancel
	done := s.autoDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.wg.Wait()
	return err
}

// Authenticated reports whether at least one session holds
// authorization. Always true when authentication is not required.
func (s *Server) Authenticated() bool {
	if !s.cfg.RequireAuth {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authSessions > 0
}

// AutoRunning reports whether the automatic-operation loop is running.
func (s *Server) AutoRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRunningLocked()
}

func (s *Server) autoRunningLocked() bool {
	if s.autoDone == nil {
		return false
	}
	select {
	case <-s.autoDone:
		return false
	default:
		return true
	}
}

// Measurements returns a channel receiving one token per simulated
// measurement. Intended for tests, which may drain it and then wait.
func (s *Server) Measurements() <-chan struct{} {
	return s.measured
}

// CanOpen reports whether the weather and sky conditions permit starting
// automatic operation.
func (s *Server) CanOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canOpenLocked()
}

func (s *Server) canOpenLocked() bool {
	return s.weather.rh <= s.cfg.Limits.HumLow &&
		s.weather.wind <= s.cfg.Limits.WindLow &&
		s.weather.rain == astelco.RainStateDry &&
		s.sky.status == astelco.SkyStatusClear &&
		s.sky.temp <= s.cfg.Limits.TempStart
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Accept failed", zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go s.serve(conn)
	}
}

// session is one client connection. Authorization is per session; the
// flag is only touched by the session's own goroutine.
type session struct {
	conn   net.Conn
	logger *zap.Logger
	authed bool
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	sess := &session{
		conn:   conn,
		logger: s.logger.With(zap.String("session", uuid.NewString()[:8])),
		authed: !s.cfg.RequireAuth,
	}
	sess.logger.Info("Client connected", zap.String("remote", conn.RemoteAddr().String()))
	defer func() {
		if s.cfg.RequireAuth && sess.authed {
			s.mu.Lock()
			s.authSessions--
			s.mu.Unlock()
		}
		sess.logger.Info("Client disconnected")
	}()

	welcome := "TPL2 2.0 CONN 1 AUTH ENC"
	if s.cfg.RequireAuth {
		welcome = "TPL2 2.0 CONN 1 AUTH PLAIN ENC"
	}
	if err := s.writeMsg(sess, welcome); err != nil {
		return
	}
	if !s.cfg.RequireAuth {
		// The real controller reports the granted levels even when the
		// client does not authenticate itself.
		if err := s.writeMsg(sess, "AUTH OK 20 20"); err != nil {
			return
		}
	}

	reader := bufio.NewReader(conn)
	for {
		raw, err := reader.ReadString(astelco.Terminator)
		if err != nil {
			sess.logger.Debug("Session ended", zap.Error(err))
			return
		}
		line := strings.TrimSpace(raw)
		sess.logger.Debug("Read command", zap.String("line", line))

		if !s.dispatch(sess, line) {
			return
		}
	}
}

// dispatch handles one command line. It returns false when the session
// should end.
func (s *Server) dispatch(sess *session, line string) bool {
	if m := authCmdRegexp.FindStringSubmatch(line); m != nil {
		s.doAuth(sess, m[1])
		return true
	}
	if disconnectCmdRegexp.MatchString(line) {
		_ = s.writeMsg(sess, "DISCONNECT OK")
		return false
	}
	if m := getCmdRegexp.FindStringSubmatch(line); m != nil {
		s.doGet(sess, m[1], m[2])
		return true
	}
	if m := setCmdRegexp.FindStringSubmatch(line); m != nil {
		s.doSet(sess, m[1], m[2])
		return true
	}

	cmdid, cmdbody := "0", line
	if m := cmdidRegexp.FindStringSubmatch(line); m != nil {
		cmdid, cmdbody = m[1], m[2]
	}
	s.writeCommandState(sess, cmdid, "ERROR UNKNOWN", cmdbody)
	s.writeCommandState(sess, cmdid, "FAILED", "Unknown command")
	return true
}

// doAuth handles AUTH. Only the PLAIN method is supported; the username
// and password are not checked.
func (s *Server) doAuth(sess *session, method string) {
	if !strings.EqualFold(method, "plain") {
		_ = s.writeMsg(sess, "AUTH UNSUPPORTED")
		return
	}
	if !sess.authed {
		sess.authed = true
		if s.cfg.RequireAuth {
			s.mu.Lock()
			s.authSessions++
			s.mu.Unlock()
		}
	}
	_ = s.writeMsg(sess, "AUTH OK 20 20")
}

// doGet handles a numbered GET of one or more ";"-separated variables or
// variable properties of the form {name}!{property}.
func (s *Server) doGet(sess *session, cmdid, arg string) {
	if !sess.authed {
		s.writeNotAuthenticated(sess, cmdid)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeCommandState(sess, cmdid, "OK", "")
	for _, item := range listSplitRegexp.Split(arg, -1) {
		name, property, _ := strings.Cut(item, "!")
		v, err := s.lookupVar(name)
		if err != nil {
			s.writeDataError(sess, cmdid, name, err.Error())
			continue
		}
		switch strings.ToLower(property) {
		case "":
			if v.get == nil {
				s.writeDataError(sess, cmdid, name, fmt.Sprintf("field %q is write-only", name))
				continue
			}
			value := v.get()
			if v.kind == astelco.VariableTypeString {
				value = `"` + value + `"`
			}
			s.writeDataInline(sess, cmdid, name, value)
		case "type":
			s.writeDataInline(sess, cmdid, item, fmt.Sprintf("%d", int(v.kind)))
		default:
			s.writeDataError(sess, cmdid, name, "unsupported property "+property)
		}
	}
	s.writeCommandState(sess, cmdid, "COMPLETE", "")
}

// doSet handles a numbered SET of one or more ";"-separated
// {name}={value} pairs, then re-evaluates whether automatic operation
// should be running.
func (s *Server) doSet(sess *session, cmdid, arg string) {
	if !sess.authed {
		s.writeNotAuthenticated(sess, cmdid)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeCommandState(sess, cmdid, "OK", "")
	for _, item := range strings.Split(arg, ";") {
		name, value, found := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !found {
			s.writeDataError(sess, cmdid, name, "missing value")
			continue
		}
		v, err := s.lookupVar(name)
		switch {
		case err != nil:
			s.writeDataError(sess, cmdid, name, err.Error())
		case v.set == nil:
			s.writeDataError(sess, cmdid, name, fmt.Sprintf("field %q is read-only", name))
		default:
			if err := v.set(value); err != nil {
				s.writeDataError(sess, cmdid, name, err.Error())
			} else {
				s.writeDataOK(sess, cmdid, name)
			}
		}
	}
	s.writeCommandState(sess, cmdid, "COMPLETE", "")
	s.updateAutoLoopLocked()
}

// updateAutoLoopLocked starts or cancels the automatic-operation loop
// according to AMEBA.MODE and the can-open predicate.
func (s *Server) updateAutoLoopLocked() {
	running := s.autoRunningLocked()
	if s.ameba.mode == astelco.AmebaModeAuto && s.canOpenLocked() && !s.closed {
		if !running {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			s.autoCancel = cancel
			s.autoDone = done
			go s.autoLoop(ctx, done)
		}
	} else if running {
		s.autoCancel()
	}
}

// autoLoop simulates taking measurements in auto mode: slew to a random
// target, pause, then produce a randomized but plausible measurement.
// Teardown is symmetric with startup: cancellation parks the telescope
// and dome.
func (s *Server) autoLoop(ctx context.Context, done chan struct{}) {
	s.logger.Info("Automatic loop begins")
	s.mu.Lock()
	s.dome.powerState = astelco.PowerStatePoweredUp
	s.scope.powerState = astelco.PowerStatePoweredUp
	s.dome.position = s.scope.az
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.dome.position = 0
		s.scope.motionState = astelco.ScopeMotionStateParked
		s.scope.ra = 0
		s.scope.dec = 0
		s.scope.az = 0
		s.scope.alt = 0
		s.ameba.state = astelco.AmebaStateInactive
		s.dome.powerState = astelco.PowerStateParked
		s.scope.powerState = astelco.PowerStateParked
		s.mu.Unlock()
		s.logger.Info("Automatic loop ends")
		close(done)
	}()

	for {
		// Set a scope target and pause pretending to slew.
		s.mu.Lock()
		s.ameba.state = astelco.AmebaStateSlewing
		s.scope.motionState = astelco.ScopeMotionStateSlewing
		s.scope.ra = s.uniformLocked(scopeDataRange.ra)
		s.scope.dec = s.uniformLocked(scopeDataRange.dec)
		s.scope.az = s.uniformLocked(scopeDataRange.az)
		s.scope.alt = s.uniformLocked(scopeDataRange.alt)
		s.mu.Unlock()
		if !sleepCtx(ctx, s.cfg.SlewDuration) {
			return
		}

		s.mu.Lock()
		s.ameba.state = astelco.AmebaStateMonitoring
		s.scope.motionState = astelco.ScopeMotionStateTracking
		s.mu.Unlock()

		// Pause for the measurement and set fake measurement data.
		if !sleepCtx(ctx, s.cfg.MeasurementDuration) {
			return
		}
		s.mu.Lock()
		s.dimm.seeing = s.rng.NormFloat64()*dimmDataRange.seeing[1] + dimmDataRange.seeing[0]
		s.dimm.seeingLowfreq = s.dimm.seeing * 0.9 // arbitrary
		s.dimm.fluxLeft = s.uniformLocked(dimmDataRange.fluxLeft)
		s.dimm.fluxRight = s.uniformLocked(dimmDataRange.fluxRight)
		s.dimm.fluxRMSLeft = s.uniformLocked(dimmDataRange.fluxRMSLeft)
		s.dimm.fluxRMSRight = s.uniformLocked(dimmDataRange.fluxRMSRight)
		s.dimm.airmass = 1 / math.Cos(s.scope.alt*math.Pi/180)
		s.dimm.strehlLeft = s.uniformLocked(dimmDataRange.strehlLeft)
		s.dimm.strehlRight = s.uniformLocked(dimmDataRange.strehlRight)
		s.dimm.timestamp = float64(time.Now().UnixNano()) / 1e9
		s.mu.Unlock()

		select {
		case s.measured <- struct{}{}:
		default:
		}
	}
}

func (s *Server) uniformLocked(bounds [2]float64) float64 {
	return bounds[0] + s.rng.Float64()*(bounds[1]-bounds[0])
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Reply writers. Variable names are reported in uppercase, like the
// real instrument.

func (s *Server) writeNotAuthenticated(sess *session, cmdid string) {
	s.writeCommandState(sess, cmdid, "ERROR UNAUTHENTICATED", "")
	s.writeCommandState(sess, cmdid, "FAILED", "")
}

func (s *Server) writeCommandState(sess *session, cmdid, state, message string) {
	_ = s.writeMsg(sess, fmt.Sprintf("%s COMMAND %s%s", cmdid, state, formatMessage(message)))
}

func (s *Server) writeDataInline(sess *session, cmdid, name, value string) {
	_ = s.writeMsg(sess, fmt.Sprintf("%s DATA INLINE %s=%s", cmdid, strings.ToUpper(name), value))
}

func (s *Server) writeDataOK(sess *session, cmdid, name string) {
	_ = s.writeMsg(sess, fmt.Sprintf("%s DATA OK %s", cmdid, strings.ToUpper(name)))
}

func (s *Server) writeDataError(sess *session, cmdid, name, message string) {
	// Error code 15 covers every data failure the mock can produce.
	_ = s.writeMsg(sess, fmt.Sprintf("%s DATA ERROR %s FAILED 15%s", cmdid, strings.ToUpper(name), formatMessage(message)))
}

func (s *Server) writeMsg(sess *session, msg string) error {
	sess.logger.Debug("Write reply", zap.String("line", msg))
	if _, err := sess.conn.Write(append([]byte(msg), astelco.Terminator)); err != nil {
		sess.logger.Warn("Write failed", zap.Error(err))
		return err
	}
	return nil
}

// formatMessage prepends a space and surrounds a non-blank message with
// double quotes.
func formatMessage(msg string) string {
	if msg == "" {
		return ""
	}
	return fmt.Sprintf(" %q", msg)
}
