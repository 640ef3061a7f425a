package controllers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"github.com/unklstewy/SEEING_MONITOR/internal/opentpl"
	"github.com/unklstewy/SEEING_MONITOR/pkg/weather"
	"go.uber.org/zap"
)

// AstelcoConfig configures the live Astelco DIMM backend.
type AstelcoConfig struct {
	// Topology selects the connection layout: "single" talks to one
	// controller for everything; "dual" sends weather and automation
	// writes to a separate meteo endpoint.
	Topology string `mapstructure:"topology"`
	// Master is the main controller endpoint (status, measurements).
	Master opentpl.Config `mapstructure:"master"`
	// Meteo is the weather endpoint, used only with the dual topology.
	Meteo opentpl.Config `mapstructure:"meteo"`
	// PollInterval is the status poll period.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CommandTimeout bounds each lifecycle command.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// AstelcoDIMM drives an Astelco autonomous DIMM over OpenTPL. The
// instrument runs itself; this backend feeds it weather data, polls its
// status and collects new measurements.
type AstelcoDIMM struct {
	base
	cfg AstelcoConfig

	master *opentpl.Connection
	meteo  *opentpl.Connection
	source weather.Source

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	lastTimestamp float64
	raining       bool
	snowing       bool
}

// NewAstelcoDIMM creates the backend; call Setup before use.
func NewAstelcoDIMM(cfg AstelcoConfig, logger *zap.Logger) *AstelcoDIMM {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return &AstelcoDIMM{
		base: newBase(logger, "astelco_dimm"),
		cfg:  cfg,
	}
}

// SetWeatherSource installs the telemetry source the instrument will be
// fed from. Required before Start.
func (a *AstelcoDIMM) SetWeatherSource(src weather.Source) {
	a.source = src
}

// Setup validates the topology and creates the connections.
func (a *AstelcoDIMM) Setup(ctx context.Context) error {
	switch a.cfg.Topology {
	case "", "single":
		a.master = opentpl.NewConnection(a.cfg.Master, a.logger.With(zap.String("endpoint", "master")))
		a.meteo = a.master
	case "dual":
		a.master = opentpl.NewConnection(a.cfg.Master, a.logger.With(zap.String("endpoint", "master")))
		a.meteo = opentpl.NewConnection(a.cfg.Meteo, a.logger.With(zap.String("endpoint", "meteo")))
	default:
		return fmt.Errorf("unknown topology %q (want single or dual)", a.cfg.Topology)
	}
	a.setState(StateInitialized)
	return nil
}

// Start connects to the instrument, begins feeding it weather data and
// starts the status poll. The instrument will not open without weather
// data, so a source is mandatory.
func (a *AstelcoDIMM) Start(ctx context.Context) error {
	if a.master == nil {
		return errors.New("not set up")
	}
	if a.source == nil {
		return errors.New("no weather source; the instrument cannot operate without weather data")
	}

	if err := a.master.Connect(ctx); err != nil {
		return fmt.Errorf("connect master: %w", err)
	}
	if a.meteo != a.master {
		if err := a.meteo.Connect(ctx); err != nil {
			a.master.Disconnect()
			return fmt.Errorf("connect meteo: %w", err)
		}
	}

	if err := a.source.Register(a.weatherCallbacks()); err != nil {
		a.disconnectAll()
		return fmt.Errorf("register weather callbacks: %w", err)
	}

	// No sky sensor is wired up, so report a clear cold sky; the weather
	// telemetry remains the real gate against bad conditions.
	if err := a.runSet(ctx, "SKY.STATUS=0;SKY.TEMP=-30", true); err != nil {
		a.source.Unregister()
		a.disconnectAll()
		return fmt.Errorf("set sky status: %w", err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})
	go a.pollLoop(pollCtx, a.pollDone)

	a.logger.Info("Astelco DIMM started", zap.String("topology", a.cfg.Topology))
	return nil
}

// Stop halts the poll, tells the instrument the sky turned bad so it
// closes, and disconnects. Every step is best effort; Stop always
// completes.
func (a *AstelcoDIMM) Stop(ctx context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
		<-a.pollDone
		a.pollCancel = nil
	}
	if a.source != nil {
		a.source.Unregister()
	}
	if err := a.runSet(ctx, fmt.Sprintf("SKY.STATUS=%d", int(astelco.SkyStatusPrecipitating)), true); err != nil {
		a.logger.Warn("Could not report bad sky on stop", zap.Error(err))
	}
	a.disconnectAll()
	a.setState(StateInitialized)
	a.logger.Info("Astelco DIMM stopped")
	return nil
}

func (a *AstelcoDIMM) disconnectAll() {
	if a.meteo != nil && a.meteo != a.master {
		a.meteo.Disconnect()
	}
	if a.master != nil {
		a.master.Disconnect()
	}
}

// pollLoop refreshes the status snapshot once per poll interval. A poll
// failure marks the controller errored and ends the loop; the service
// decides whether to restart.
func (a *AstelcoDIMM) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := a.pollStatus(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Error("Status poll failed", zap.Error(err))
			a.setState(a.state() | StateError)
			return
		}
	}
}

func (a *AstelcoDIMM) pollStatus(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()
	cmd, err := a.master.RunCommand(ctx, "GET",
		"AMEBA.MODE;SCOPE.RA;SCOPE.DEC;SCOPE.ALT;SCOPE.AZ", true)
	if err != nil {
		return err
	}

	mode := cmd.GetInt("AMEBA.MODE", -1)
	state := StateInitialized
	if mode > int(astelco.AmebaModeOff) {
		state |= StateRunning
	}

	a.mu.Lock()
	a.status.State = state
	a.status.RA = cmd.GetFloat("SCOPE.RA")
	a.status.Dec = cmd.GetFloat("SCOPE.DEC")
	a.status.Altitude = cmd.GetFloat("SCOPE.ALT")
	a.status.Azimuth = cmd.GetFloat("SCOPE.AZ")
	a.mu.Unlock()
	return nil
}

// GetMeasurement fetches the instrument's latest measurement. The
// instrument keeps reporting the last one until a new one is ready, so
// an unchanged timestamp yields nil.
func (a *AstelcoDIMM) GetMeasurement(ctx context.Context) (*Measurement, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()
	cmd, err := a.master.RunCommand(ctx, "GET",
		"DIMM.TIMESTAMP;DIMM.SEEING;DIMM.AIRMASS;"+
			"DIMM.FLUX_LEFT;DIMM.FLUX_RIGHT;DIMM.STREHL_LEFT;DIMM.STREHL_RIGHT", true)
	if err != nil {
		return nil, err
	}

	ts := cmd.GetFloat("DIMM.TIMESTAMP")
	if math.IsNaN(ts) {
		return nil, nil
	}
	a.mu.Lock()
	fresh := ts != a.lastTimestamp
	if fresh {
		a.lastTimestamp = ts
	}
	a.mu.Unlock()
	if !fresh {
		return nil, nil
	}

	m := newMeasurement()
	sec := math.Floor(ts)
	m.Timestamp = time.Unix(int64(sec), int64((ts-sec)*1e9))
	m.Fwhm = cmd.GetFloat("DIMM.SEEING")
	m.Secz = cmd.GetFloat("DIMM.AIRMASS")
	m.FluxL = cmd.GetFloat("DIMM.FLUX_LEFT")
	m.FluxR = cmd.GetFloat("DIMM.FLUX_RIGHT")
	m.StrehlL = cmd.GetFloat("DIMM.STREHL_LEFT")
	m.StrehlR = cmd.GetFloat("DIMM.STREHL_RIGHT")
	return m, nil
}

// SetAutomationMode switches the instrument's automation mode on every
// owned connection.
func (a *AstelcoDIMM) SetAutomationMode(ctx context.Context, mode astelco.AmebaMode) error {
	arg := fmt.Sprintf("AMEBA.MODE=%d", int(mode))
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()
	if _, err := a.master.RunCommand(ctx, "SET", arg, true); err != nil {
		return fmt.Errorf("set automation mode on master: %w", err)
	}
	if a.meteo != a.master {
		if _, err := a.meteo.RunCommand(ctx, "SET", arg, true); err != nil {
			return fmt.Errorf("set automation mode on meteo: %w", err)
		}
	}
	return nil
}

// runSet sends a SET to the meteo endpoint; waiting is optional since
// weather updates are fire and forget.
func (a *AstelcoDIMM) runSet(ctx context.Context, arg string, wait bool) error {
	if wait {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.CommandTimeout)
		defer cancel()
	}
	_, err := a.meteo.RunCommand(ctx, "SET", arg, wait)
	return err
}

func (a *AstelcoDIMM) pushWeather(arg string) {
	if err := a.runSet(context.Background(), arg, false); err != nil {
		a.logger.Warn("Weather update not sent", zap.String("arg", arg), zap.Error(err))
	}
}

// weatherCallbacks translates station telemetry into instrument SETs.
// Rolling averages are preferred over instantaneous samples, missing
// values are skipped, and rain and snow merge into the single RAIN flag
// the instrument understands.
func (a *AstelcoDIMM) weatherCallbacks() *weather.Callbacks {
	return &weather.Callbacks{
		OnConditions: func(c weather.Conditions) {
			var arg string
			if weather.Valid(c.Temperature) {
				arg = appendSet(arg, "WEATHER.TEMP_AMB", c.Temperature)
			}
			if weather.Valid(c.Humidity) {
				arg = appendSet(arg, "WEATHER.RH", c.Humidity)
			}
			if weather.Valid(c.Pressure) {
				// The station reports Pa; the instrument wants mBar.
				arg = appendSet(arg, "WEATHER.PRESSURE", c.Pressure/100)
			}
			if arg != "" {
				a.pushWeather(arg)
			}
		},
		OnWind: func(w weather.Wind) {
			v := w.Speed
			if weather.Valid(w.Avg2M) {
				v = w.Avg2M
			}
			if weather.Valid(v) {
				a.pushWeather(appendSet("", "WEATHER.WIND", v))
			}
		},
		OnWindDirection: func(d weather.Direction) {
			v := d.Direction
			if weather.Valid(d.Avg2M) {
				v = d.Avg2M
			}
			if weather.Valid(v) {
				a.pushWeather(appendSet("", "WEATHER.WIND_DIR", v))
			}
		},
		OnDewPoint: func(d weather.DewPoint) {
			v := d.DewPoint
			if weather.Valid(d.Avg1M) {
				v = d.Avg1M
			}
			if weather.Valid(v) {
				a.pushWeather(appendSet("", "WEATHER.TEMP_DEW", v))
			}
		},
		OnPrecipitation: func(p weather.Precipitation) {
			if !weather.Valid(p.PrSum1M) {
				return
			}
			a.mu.Lock()
			a.raining = p.PrSum1M > 0
			a.mu.Unlock()
			a.pushRain()
		},
		OnSnowDepth: func(s weather.SnowDepth) {
			v := s.Depth
			if weather.Valid(s.Avg1M) {
				v = s.Avg1M
			}
			if !weather.Valid(v) {
				return
			}
			a.mu.Lock()
			a.snowing = v > 0
			a.mu.Unlock()
			a.pushRain()
		},
	}
}

func (a *AstelcoDIMM) pushRain() {
	a.mu.Lock()
	precipitating := a.raining || a.snowing
	a.mu.Unlock()
	rain := astelco.RainStateDry
	if precipitating {
		rain = astelco.RainStatePrecipitation
	}
	a.pushWeather(fmt.Sprintf("WEATHER.RAIN=%d", int(rain)))
}

func appendSet(arg, name string, v float64) string {
	item := name + "=" + strconv.FormatFloat(v, 'g', -1, 64)
	if arg == "" {
		return item
	}
	return arg + ";" + item
}
