// Package controllers provides the DIMM measurement backends: the live
// Astelco OpenTPL controller, a configurable simulator, and an
// experimental database poller. All backends share one lifecycle
// interface so the service can swap them by configuration.
package controllers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"go.uber.org/zap"
)

// State is the controller status bitmask.
type State int

const (
	StateNotSet      State = 0
	StateInitialized State = 1 << 1
	StateRunning     State = 1 << 2
	StateError       State = 1 << 3
)

func (s State) String() string {
	if s == StateNotSet {
		return "NOTSET"
	}
	var parts []string
	if s&StateInitialized != 0 {
		parts = append(parts, "INITIALIZED")
	}
	if s&StateRunning != 0 {
		parts = append(parts, "RUNNING")
	}
	if s&StateError != 0 {
		parts = append(parts, "ERROR")
	}
	return strings.Join(parts, "|")
}

// Status is a snapshot of the controller and its telescope pointing.
type Status struct {
	State    State   `json:"state"`
	RA       float64 `json:"ra"`
	Dec      float64 `json:"dec"`
	Altitude float64 `json:"altitude"`
	Azimuth  float64 `json:"azimuth"`
	HRNum    int     `json:"hrnum"`
}

// Controller is the lifecycle every DIMM backend implements.
//
// Setup validates configuration and prepares resources; Start begins
// operation; Stop ends it and releases resources. GetMeasurement returns
// the next new measurement, or nil when no new measurement is available
// yet.
type Controller interface {
	Setup(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() Status
	GetMeasurement(ctx context.Context) (*Measurement, error)
}

// AutomationSetter is implemented by backends whose instrument has a
// remotely switchable automation mode.
type AutomationSetter interface {
	SetAutomationMode(ctx context.Context, mode astelco.AmebaMode) error
}

// Config aggregates the per-backend configuration sections.
type Config struct {
	Sim     SimConfig     `mapstructure:"sim"`
	Astelco AstelcoConfig `mapstructure:"astelco"`
	Soar    SoarConfig    `mapstructure:"soar"`
}

// New builds the backend selected by kind.
func New(kind string, cfg Config, logger *zap.Logger) (Controller, error) {
	switch strings.ToLower(kind) {
	case "sim":
		return NewSimDIMM(cfg.Sim, logger), nil
	case "astelco":
		return NewAstelcoDIMM(cfg.Astelco, logger), nil
	case "soar":
		return NewSoarDIMM(cfg.Soar, logger), nil
	default:
		return nil, fmt.Errorf("unknown controller kind %q", kind)
	}
}

// base carries the state shared by all backends.
type base struct {
	logger *zap.Logger

	mu     sync.Mutex
	status Status
}

func newBase(logger *zap.Logger, component string) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{logger: logger.With(zap.String("component", component))}
}

// Status returns a copy of the current status snapshot.
func (b *base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *base) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status.State = s
}

func (b *base) state() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status.State
}
