package controllers

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNotSet, "NOTSET"},
		{StateInitialized, "INITIALIZED"},
		{StateInitialized | StateRunning, "INITIALIZED|RUNNING"},
		{StateInitialized | StateRunning | StateError, "INITIALIZED|RUNNING|ERROR"},
		{StateError, "ERROR"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestNewFactory(t *testing.T) {
	cfg := Config{Sim: fastSimConfig()}

	ctrl, err := New("sim", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &SimDIMM{}, ctrl)

	ctrl, err = New("Astelco", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &AstelcoDIMM{}, ctrl)

	ctrl, err = New("soar", cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &SoarDIMM{}, ctrl)

	_, err = New("scidar", cfg, nil)
	assert.Error(t, err)
}

func TestConvertFloat(t *testing.T) {
	assert.Equal(t, 1.25, ConvertFloat("1.25"))
	assert.Equal(t, -3.0, ConvertFloat("-3"))
	assert.True(t, math.IsNaN(ConvertFloat("NULL")))
	assert.True(t, math.IsNaN(ConvertFloat("")))
	assert.True(t, math.IsNaN(ConvertFloat("12,5")))
}

func TestConvertInt(t *testing.T) {
	assert.Equal(t, 42, ConvertInt("42"))
	assert.Equal(t, -7, ConvertInt("-7"))
	assert.Equal(t, 0, ConvertInt("4.2"))
	assert.Equal(t, 0, ConvertInt("NULL"))
	assert.Equal(t, 0, ConvertInt(""))
}

func TestNewMeasurementDefaults(t *testing.T) {
	m := newMeasurement()
	assert.True(t, math.IsNaN(m.Fwhm))
	assert.True(t, math.IsNaN(m.Secz))
	assert.True(t, math.IsNaN(m.StrehlR))
	assert.Equal(t, float64(-1), m.R0)
	assert.Zero(t, m.Nimg)
	assert.Zero(t, m.HRNum)
}
