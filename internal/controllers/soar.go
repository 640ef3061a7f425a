package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SoarConfig configures the database-polling backend.
type SoarConfig struct {
	// DSN is the Postgres connection string of the seeing database.
	DSN string `mapstructure:"dsn"`
	// Table is the seeing table to poll.
	Table string `mapstructure:"table"`
	// PollInterval is how often the newest row is fetched.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// QueueSize bounds the unread-measurement queue; the oldest entry is
	// dropped on overflow.
	QueueSize int `mapstructure:"queue_size"`
}

// SoarDIMM reads measurements from an external seeing database instead
// of an instrument. Experimental: it assumes the writer keeps the table's
// newest row current and only ever appends.
type SoarDIMM struct {
	base
	cfg SoarConfig

	pool  *pgxpool.Pool
	queue chan *Measurement

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	lastTimestamp time.Time
}

// NewSoarDIMM creates the backend; call Setup before use.
func NewSoarDIMM(cfg SoarConfig, logger *zap.Logger) *SoarDIMM {
	if cfg.Table == "" {
		cfg.Table = "dimm_seeing"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 100
	}
	return &SoarDIMM{
		base:  newBase(logger, "soar_dimm"),
		cfg:   cfg,
		queue: make(chan *Measurement, cfg.QueueSize),
	}
}

// Setup validates the connection string without connecting.
func (s *SoarDIMM) Setup(ctx context.Context) error {
	if _, err := pgxpool.ParseConfig(s.cfg.DSN); err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	s.setState(StateInitialized)
	return nil
}

// Start connects to the database and begins polling.
func (s *SoarDIMM) Start(ctx context.Context) error {
	if s.state() == StateNotSet {
		return errors.New("not set up")
	}
	pool, err := pgxpool.New(ctx, s.cfg.DSN)
	if err != nil {
		return fmt.Errorf("open seeing database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping seeing database: %w", err)
	}
	s.pool = pool

	pollCtx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	s.pollDone = make(chan struct{})
	go s.pollLoop(pollCtx, s.pollDone)

	s.setState(StateInitialized | StateRunning)
	s.logger.Info("SOAR seeing poller started",
		zap.String("table", s.cfg.Table),
		zap.Duration("interval", s.cfg.PollInterval))
	return nil
}

// Stop halts polling and closes the database pool.
func (s *SoarDIMM) Stop(ctx context.Context) error {
	if s.pollCancel != nil {
		s.pollCancel()
		<-s.pollDone
		s.pollCancel = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.setState(StateInitialized)
	s.logger.Info("SOAR seeing poller stopped")
	return nil
}

func (s *SoarDIMM) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient database trouble should not kill the poller.
			s.logger.Warn("Seeing poll failed", zap.Error(err))
		}
	}
}

// pollOnce fetches the newest row and enqueues it if its timestamp moved.
func (s *SoarDIMM) pollOnce(ctx context.Context) error {
	query := fmt.Sprintf(
		`SELECT hrnum, ut, secz, fwhm, fwhmx, fwhmy, nimg, flux_l, flux_r
		 FROM %s ORDER BY ut DESC LIMIT 1`, s.cfg.Table)

	m := newMeasurement()
	row := s.pool.QueryRow(ctx, query)
	err := row.Scan(&m.HRNum, &m.Timestamp, &m.Secz, &m.Fwhm, &m.Fwhmx,
		&m.Fwhmy, &m.Nimg, &m.FluxL, &m.FluxR)
	if err != nil {
		return fmt.Errorf("query newest seeing row: %w", err)
	}

	s.mu.Lock()
	fresh := m.Timestamp.After(s.lastTimestamp)
	if fresh {
		s.lastTimestamp = m.Timestamp
		s.status.HRNum = m.HRNum
	}
	s.mu.Unlock()
	if !fresh {
		return nil
	}

	for {
		select {
		case s.queue <- m:
			return nil
		default:
			// Full; drop the oldest so the queue tracks the present.
			select {
			case <-s.queue:
			default:
			}
		}
	}
}

// GetMeasurement drains one queued measurement, or returns nil when the
// queue is empty.
func (s *SoarDIMM) GetMeasurement(ctx context.Context) (*Measurement, error) {
	select {
	case m := <-s.queue:
		return m, nil
	default:
		return nil, nil
	}
}
