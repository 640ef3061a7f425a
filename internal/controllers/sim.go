package controllers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// SimConfig configures the simulated DIMM. The defaults produce a
// plausible night of about one measurement every few seconds.
type SimConfig struct {
	// AvgSeeing and StdSeeing shape the Gaussian seeing distribution
	// (arcsec).
	AvgSeeing float64 `mapstructure:"avg_seeing"`
	StdSeeing float64 `mapstructure:"std_seeing"`
	// ChanceFailure is the probability [0, 1] that a measurement attempt
	// fails and drives the controller into the error state.
	ChanceFailure float64 `mapstructure:"chance_failure"`
	// MinTimeInTarget and MaxTimeInTarget bound how long the simulator
	// stays on one star before slewing to the next.
	MinTimeInTarget time.Duration `mapstructure:"min_time_in_target"`
	MaxTimeInTarget time.Duration `mapstructure:"max_time_in_target"`
	// MinExposureTime, MaxExposureTime and StdExposureTime shape the
	// per-measurement exposure delay.
	MinExposureTime time.Duration `mapstructure:"min_exposure_time"`
	MaxExposureTime time.Duration `mapstructure:"max_exposure_time"`
	StdExposureTime time.Duration `mapstructure:"std_exposure_time"`
	// Rng is the random source; nil uses a time seed. Tests inject a
	// seeded generator.
	Rng *rand.Rand `mapstructure:"-"`
}

func defaultSimConfig() SimConfig {
	return SimConfig{
		AvgSeeing:       1.0,
		StdSeeing:       0.1,
		MinTimeInTarget: 2 * time.Second,
		MaxTimeInTarget: 6 * time.Second,
		MinExposureTime: 500 * time.Millisecond,
		MaxExposureTime: 2 * time.Second,
		StdExposureTime: 200 * time.Millisecond,
	}
}

// SimDIMM is a software-only DIMM. It picks random stars, waits a
// simulated exposure and emits Gaussian seeing values, with optional
// injected failures.
type SimDIMM struct {
	base
	cfg SimConfig
	rng *rand.Rand

	targetExpires time.Time
	running       bool
}

// NewSimDIMM creates the simulator; call Setup before use.
func NewSimDIMM(cfg SimConfig, logger *zap.Logger) *SimDIMM {
	def := defaultSimConfig()
	if cfg.AvgSeeing == 0 {
		cfg.AvgSeeing = def.AvgSeeing
	}
	if cfg.StdSeeing == 0 {
		cfg.StdSeeing = def.StdSeeing
	}
	if cfg.MinTimeInTarget == 0 {
		cfg.MinTimeInTarget = def.MinTimeInTarget
	}
	if cfg.MaxTimeInTarget == 0 {
		cfg.MaxTimeInTarget = def.MaxTimeInTarget
	}
	if cfg.MinExposureTime == 0 {
		cfg.MinExposureTime = def.MinExposureTime
	}
	if cfg.MaxExposureTime == 0 {
		cfg.MaxExposureTime = def.MaxExposureTime
	}
	if cfg.StdExposureTime == 0 {
		cfg.StdExposureTime = def.StdExposureTime
	}
	rng := cfg.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SimDIMM{
		base: newBase(logger, "sim_dimm"),
		cfg:  cfg,
		rng:  rng,
	}
}

// Setup validates the configured ranges.
func (s *SimDIMM) Setup(ctx context.Context) error {
	c := s.cfg
	switch {
	case c.AvgSeeing <= 0:
		return fmt.Errorf("avg_seeing must be positive, got %v", c.AvgSeeing)
	case c.StdSeeing < 0:
		return fmt.Errorf("std_seeing must be non-negative, got %v", c.StdSeeing)
	case c.ChanceFailure < 0 || c.ChanceFailure > 1:
		return fmt.Errorf("chance_failure must be in [0, 1], got %v", c.ChanceFailure)
	case c.MinTimeInTarget > c.MaxTimeInTarget:
		return fmt.Errorf("min_time_in_target %v exceeds max_time_in_target %v",
			c.MinTimeInTarget, c.MaxTimeInTarget)
	case c.MinExposureTime > c.MaxExposureTime:
		return fmt.Errorf("min_exposure_time %v exceeds max_exposure_time %v",
			c.MinExposureTime, c.MaxExposureTime)
	}
	s.setState(StateInitialized)
	return nil
}

// Start picks the first target and begins producing measurements.
func (s *SimDIMM) Start(ctx context.Context) error {
	if s.state() == StateNotSet {
		return errors.New("not set up")
	}
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	s.nextTarget()
	s.setState(StateInitialized | StateRunning)
	s.logger.Info("Simulated DIMM started")
	return nil
}

// Stop ends measurement production.
func (s *SimDIMM) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.setState(StateInitialized)
	s.logger.Info("Simulated DIMM stopped")
	return nil
}

// nextTarget moves the simulator to a new random star.
func (s *SimDIMM) nextTarget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.HRNum = 1 + s.rng.Intn(9110)
	s.status.RA = s.rng.Float64() * 24
	s.status.Dec = s.rng.Float64()*135 - 90
	s.status.Azimuth = s.rng.Float64()*360 - 180
	s.status.Altitude = 30 + s.rng.Float64()*59
	dwell := s.cfg.MinTimeInTarget +
		time.Duration(s.rng.Float64()*float64(s.cfg.MaxTimeInTarget-s.cfg.MinTimeInTarget))
	s.targetExpires = time.Now().Add(dwell)
	s.logger.Debug("New simulated target",
		zap.Int("hrnum", s.status.HRNum),
		zap.Float64("alt", s.status.Altitude))
}

// GetMeasurement waits a simulated exposure and returns one measurement.
// With probability ChanceFailure the exposure fails instead, the
// controller goes into the error state and an error is returned.
func (s *SimDIMM) GetMeasurement(ctx context.Context) (*Measurement, error) {
	s.mu.Lock()
	running := s.running
	expired := time.Now().After(s.targetExpires)
	s.mu.Unlock()
	if !running {
		return nil, errors.New("not running")
	}
	if expired {
		s.nextTarget()
	}

	exposure := s.cfg.MinExposureTime +
		time.Duration(s.rng.NormFloat64()*float64(s.cfg.StdExposureTime)) +
		time.Duration(s.rng.Float64()*float64(s.cfg.MaxExposureTime-s.cfg.MinExposureTime))
	if exposure < s.cfg.MinExposureTime {
		exposure = s.cfg.MinExposureTime
	}
	timer := time.NewTimer(exposure)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	if s.cfg.ChanceFailure > 0 && s.rng.Float64() < s.cfg.ChanceFailure {
		s.setState(s.state() | StateError)
		return nil, errors.New("simulated measurement failure")
	}

	st := s.Status()
	zenith := (90 - st.Altitude) * math.Pi / 180

	m := newMeasurement()
	m.HRNum = st.HRNum
	m.Timestamp = time.Now()
	m.Secz = 1 / math.Cos(zenith)
	m.Fwhm = math.Abs(s.rng.NormFloat64()*s.cfg.StdSeeing + s.cfg.AvgSeeing)
	m.Fwhmx = math.Abs(s.rng.NormFloat64()*s.cfg.StdSeeing + s.cfg.AvgSeeing)
	m.Fwhmy = math.Abs(s.rng.NormFloat64()*s.cfg.StdSeeing + s.cfg.AvgSeeing)
	m.Nimg = 100 + s.rng.Intn(100)
	m.Dx = s.rng.NormFloat64()
	m.Dy = s.rng.NormFloat64()
	m.FluxL = 10000 + s.rng.Float64()*10000
	m.FluxR = 10000 + s.rng.Float64()*10000
	m.ScintL = s.rng.Float64() * 0.2
	m.ScintR = s.rng.Float64() * 0.2
	m.StrehlL = 0.1 + s.rng.Float64()*0.8
	m.StrehlR = 0.1 + s.rng.Float64()*0.8
	return m, nil
}
