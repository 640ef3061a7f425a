package controllers

import (
	"math"
	"strconv"
	"time"
)

// Measurement is one differential-image-motion seeing measurement.
// Fields a backend cannot provide are NaN (floats), 0 (counts) or -1
// (R0); consumers must tolerate partial records.
type Measurement struct {
	// HRNum is the catalog number of the observed star.
	HRNum int `json:"hrnum"`
	// Timestamp is when the measurement was taken.
	Timestamp time.Time `json:"timestamp"`
	// Secz is the airmass, sec(zenith distance).
	Secz float64 `json:"secz"`
	// Fwhm is the zenith-corrected seeing (arcsec).
	Fwhm float64 `json:"fwhm"`
	// Fwhmx and Fwhmy are the per-axis seeing components (arcsec).
	Fwhmx float64 `json:"fwhmx"`
	Fwhmy float64 `json:"fwhmy"`
	// R0 is the Fried parameter (cm); -1 when not computed.
	R0 float64 `json:"r0"`
	// Nimg is the number of images accumulated.
	Nimg int `json:"nimg"`
	// Dx and Dy are the mean differential motions (pixels).
	Dx float64 `json:"dx"`
	Dy float64 `json:"dy"`
	// FluxL and FluxR are the integrated star fluxes per aperture.
	FluxL float64 `json:"flux_l"`
	FluxR float64 `json:"flux_r"`
	// ScintL and ScintR are the scintillation indices per aperture.
	ScintL float64 `json:"scint_l"`
	ScintR float64 `json:"scint_r"`
	// StrehlL and StrehlR are the Strehl ratios per aperture.
	StrehlL float64 `json:"strehl_l"`
	StrehlR float64 `json:"strehl_r"`
}

// newMeasurement returns a record with every field at its not-available
// value.
func newMeasurement() *Measurement {
	nan := math.NaN()
	return &Measurement{
		Secz: nan, Fwhm: nan, Fwhmx: nan, Fwhmy: nan,
		R0: -1,
		Dx: nan, Dy: nan,
		FluxL: nan, FluxR: nan,
		ScintL: nan, ScintR: nan,
		StrehlL: nan, StrehlR: nan,
	}
}

// ConvertFloat parses a float from instrument text; anything unparsable
// becomes NaN rather than an error, since a single bad field must not
// discard a whole measurement.
func ConvertFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// ConvertInt parses an int from instrument text; anything unparsable
// becomes 0.
func ConvertInt(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
