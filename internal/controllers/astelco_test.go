package controllers_test

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
	"github.com/unklstewy/SEEING_MONITOR/internal/controllers"
	"github.com/unklstewy/SEEING_MONITOR/internal/mockastelco"
	"github.com/unklstewy/SEEING_MONITOR/internal/opentpl"
	"github.com/unklstewy/SEEING_MONITOR/pkg/weather"
)

func startMock(t *testing.T) *mockastelco.Server {
	t.Helper()
	srv := mockastelco.NewServer(mockastelco.Config{
		RequireAuth:         true,
		SlewDuration:        50 * time.Millisecond,
		MeasurementDuration: 50 * time.Millisecond,
		Rng:                 rand.New(rand.NewSource(7)),
	}, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newAstelco(t *testing.T, srv *mockastelco.Server) *controllers.AstelcoDIMM {
	t.Helper()
	return controllers.NewAstelcoDIMM(controllers.AstelcoConfig{
		Topology: "single",
		Master: opentpl.Config{
			Host: "127.0.0.1", Port: srv.Port(),
			User: "admin", Password: "admin",
		},
		PollInterval: 20 * time.Millisecond,
	}, nil)
}

// goodWeather pushes telemetry that satisfies the instrument's startup
// conditions.
func goodWeather(feed *weather.Feed) {
	feed.PublishConditions(weather.Conditions{Temperature: 10, Humidity: 50, Pressure: 101325})
	feed.PublishWind(weather.Wind{Speed: 1, Avg2M: 1})
	feed.PublishPrecipitation(weather.Precipitation{PrSum1M: 0})
	feed.PublishSnowDepth(weather.SnowDepth{Depth: 0, Avg1M: 0})
}

func TestAstelcoSetupRejectsBadTopology(t *testing.T) {
	dimm := controllers.NewAstelcoDIMM(controllers.AstelcoConfig{Topology: "tripled"}, nil)
	assert.Error(t, dimm.Setup(context.Background()))
}

func TestAstelcoStartRequiresWeatherSource(t *testing.T) {
	srv := startMock(t)
	dimm := newAstelco(t, srv)
	ctx := context.Background()
	require.NoError(t, dimm.Setup(ctx))
	assert.Error(t, dimm.Start(ctx))
}

func TestAstelcoLifecycle(t *testing.T) {
	srv := startMock(t)
	dimm := newAstelco(t, srv)
	feed := weather.NewFeed()
	dimm.SetWeatherSource(feed)

	ctx := context.Background()
	require.NoError(t, dimm.Setup(ctx))
	assert.Equal(t, controllers.StateInitialized, dimm.Status().State)

	require.NoError(t, dimm.Start(ctx))
	defer func() { _ = dimm.Stop(ctx) }()

	// Good weather opens the instrument; the status poll must observe
	// the automation running.
	goodWeather(feed)
	assert.Eventually(t, srv.AutoRunning, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return dimm.Status().State&controllers.StateRunning != 0
	}, 5*time.Second, 10*time.Millisecond)

	// A completed measurement must come through exactly once.
	waitMeasurement(t, srv)
	var m *controllers.Measurement
	require.Eventually(t, func() bool {
		got, err := dimm.GetMeasurement(ctx)
		if err == nil && got != nil {
			m = got
		}
		return m != nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, math.IsNaN(m.Fwhm))
	assert.False(t, math.IsNaN(m.Secz))
	assert.GreaterOrEqual(t, m.Secz, 1.0)
	assert.Equal(t, float64(-1), m.R0)
	assert.False(t, m.Timestamp.IsZero())

	// The instrument repeats its last measurement; an unchanged
	// timestamp must not surface again. Rain halts production first so
	// the timestamp cannot move under the check.
	feed.PublishPrecipitation(weather.Precipitation{PrSum1M: 1})
	assert.Eventually(t, func() bool { return !srv.AutoRunning() },
		5*time.Second, 10*time.Millisecond)
	_, err := dimm.GetMeasurement(ctx) // drain a possible final one
	require.NoError(t, err)
	again, err := dimm.GetMeasurement(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	// Stop reports a bad sky so the instrument closes.
	require.NoError(t, dimm.Stop(ctx))
	assert.Eventually(t, func() bool { return !srv.AutoRunning() },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, controllers.StateInitialized, dimm.Status().State)
}

func TestAstelcoSetAutomationMode(t *testing.T) {
	srv := startMock(t)
	dimm := newAstelco(t, srv)
	feed := weather.NewFeed()
	dimm.SetWeatherSource(feed)

	ctx := context.Background()
	require.NoError(t, dimm.Setup(ctx))
	require.NoError(t, dimm.Start(ctx))
	defer func() { _ = dimm.Stop(ctx) }()

	goodWeather(feed)
	assert.Eventually(t, srv.AutoRunning, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, dimm.SetAutomationMode(ctx, astelco.AmebaModeOff))
	assert.Eventually(t, func() bool { return !srv.AutoRunning() },
		5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return dimm.Status().State&controllers.StateRunning == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAstelcoWeatherTranslation(t *testing.T) {
	srv := startMock(t)
	dimm := newAstelco(t, srv)
	feed := weather.NewFeed()
	dimm.SetWeatherSource(feed)

	ctx := context.Background()
	require.NoError(t, dimm.Setup(ctx))
	require.NoError(t, dimm.Start(ctx))
	defer func() { _ = dimm.Stop(ctx) }()

	// The 2 minute wind average wins over the instantaneous sample, a
	// missing average falls back, pressure converts Pa to mBar, and
	// snow alone raises the combined rain flag.
	feed.PublishWind(weather.Wind{Speed: 8, Avg2M: 4})
	feed.PublishConditions(weather.Conditions{Temperature: 12.5, Humidity: 60, Pressure: 101325})
	feed.PublishSnowDepth(weather.SnowDepth{Depth: 30, Avg1M: 30})

	probe := opentpl.NewConnection(opentpl.Config{
		Host: "127.0.0.1", Port: srv.Port(),
		User: "admin", Password: "admin",
	}, nil)
	require.NoError(t, probe.Connect(ctx))
	defer probe.Disconnect()

	assert.Eventually(t, func() bool {
		cmd, err := probe.RunCommand(ctx, "GET",
			"WEATHER.WIND;WEATHER.PRESSURE;WEATHER.TEMP_AMB;WEATHER.RAIN", true)
		if err != nil {
			return false
		}
		return cmd.GetFloat("WEATHER.WIND") == 4 &&
			cmd.GetFloat("WEATHER.PRESSURE") == 1013.25 &&
			cmd.GetFloat("WEATHER.TEMP_AMB") == 12.5 &&
			cmd.GetInt("WEATHER.RAIN", -1) == int(astelco.RainStatePrecipitation)
	}, 5*time.Second, 20*time.Millisecond)

	// Missing samples are skipped, not forwarded.
	feed.PublishWind(weather.Wind{Speed: 6, Avg2M: -999})
	assert.Eventually(t, func() bool {
		cmd, err := probe.RunCommand(ctx, "GET", "WEATHER.WIND", true)
		return err == nil && cmd.GetFloat("WEATHER.WIND") == 6
	}, 5*time.Second, 20*time.Millisecond)
}

func waitMeasurement(t *testing.T, srv *mockastelco.Server) {
	t.Helper()
	select {
	case <-srv.Measurements():
	case <-time.After(5 * time.Second):
		t.Fatal("no measurement produced")
	}
}
