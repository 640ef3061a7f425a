// Package httpapi exposes the controller's status and latest measurement
// over a small REST surface.
package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"github.com/unklstewy/SEEING_MONITOR/internal/controllers"
	"go.uber.org/zap"
)

// Server serves the REST API for one controller instance.
type Server struct {
	logger     *zap.Logger
	ctrl       controllers.Controller
	kind       string
	instanceID string
	started    time.Time

	mu     sync.Mutex
	latest *controllers.Measurement

	http *http.Server
}

// NewServer builds the API around a controller. The measurement
// collection loop feeds it via Record.
func NewServer(addr, kind string, ctrl controllers.Controller, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:     logger.With(zap.String("component", "httpapi")),
		ctrl:       ctrl,
		kind:       kind,
		instanceID: uuid.NewString(),
		started:    time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/measurement", s.getMeasurement)
	v1.PUT("/automation-mode", s.putAutomationMode)

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Record caches the newest measurement for the API to serve.
func (s *Server) Record(m *controllers.Measurement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = m
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.logger.Info("API listening", zap.String("addr", s.http.Addr))
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type statusResponse struct {
	InstanceID string             `json:"instance_id"`
	Controller string             `json:"controller"`
	State      string             `json:"state"`
	Status     controllers.Status `json:"status"`
	UptimeSec  float64            `json:"uptime_sec"`
}

func (s *Server) getStatus(c *gin.Context) {
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, statusResponse{
		InstanceID: s.instanceID,
		Controller: s.kind,
		State:      st.State.String(),
		Status:     st,
		UptimeSec:  time.Since(s.started).Seconds(),
	})
}

// measurementResponse mirrors controllers.Measurement with nullable
// floats, since NaN has no JSON encoding.
type measurementResponse struct {
	HRNum     int       `json:"hrnum"`
	Timestamp time.Time `json:"timestamp"`
	Secz      *float64  `json:"secz"`
	Fwhm      *float64  `json:"fwhm"`
	Fwhmx     *float64  `json:"fwhmx"`
	Fwhmy     *float64  `json:"fwhmy"`
	R0        *float64  `json:"r0"`
	Nimg      int       `json:"nimg"`
	Dx        *float64  `json:"dx"`
	Dy        *float64  `json:"dy"`
	FluxL     *float64  `json:"flux_l"`
	FluxR     *float64  `json:"flux_r"`
	ScintL    *float64  `json:"scint_l"`
	ScintR    *float64  `json:"scint_r"`
	StrehlL   *float64  `json:"strehl_l"`
	StrehlR   *float64  `json:"strehl_r"`
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (s *Server) getMeasurement(c *gin.Context) {
	s.mu.Lock()
	m := s.latest
	s.mu.Unlock()
	if m == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, measurementResponse{
		HRNum:     m.HRNum,
		Timestamp: m.Timestamp,
		Secz:      nullable(m.Secz),
		Fwhm:      nullable(m.Fwhm),
		Fwhmx:     nullable(m.Fwhmx),
		Fwhmy:     nullable(m.Fwhmy),
		R0:        nullable(m.R0),
		Nimg:      m.Nimg,
		Dx:        nullable(m.Dx),
		Dy:        nullable(m.Dy),
		FluxL:     nullable(m.FluxL),
		FluxR:     nullable(m.FluxR),
		ScintL:    nullable(m.ScintL),
		ScintR:    nullable(m.ScintR),
		StrehlL:   nullable(m.StrehlL),
		StrehlR:   nullable(m.StrehlR),
	})
}

type automationModeRequest struct {
	// Mode is off, auto or manual.
	Mode string `json:"mode" binding:"required"`
}

func (s *Server) putAutomationMode(c *gin.Context) {
	setter, ok := s.ctrl.(controllers.AutomationSetter)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "this controller has no automation mode",
		})
		return
	}

	var req automationModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var mode astelco.AmebaMode
	switch strings.ToLower(req.Mode) {
	case "off":
		mode = astelco.AmebaModeOff
	case "auto":
		mode = astelco.AmebaModeAuto
	case "manual":
		mode = astelco.AmebaModeManual
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "mode must be off, auto or manual",
		})
		return
	}

	if err := setter.SetAutomationMode(c.Request.Context(), mode); err != nil {
		s.logger.Error("Automation mode change failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": strings.ToLower(req.Mode)})
}
