package mockastelco

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/unklstewy/SEEING_MONITOR/internal/astelco"
)

// moduleVersion is the version reported by every top-level module.
const moduleVersion = 0x00010100

// Module state. All access goes through the variable table with the
// server mutex held.

type serviceVars struct {
	state     astelco.ServiceState
	failState astelco.ServiceFailState
	control   astelco.ServiceControl
}

type amebaTargetVars struct {
	name             string
	ra               float64
	dec              float64
	brightness       float64
	color            float64
	stellarClass     string
	stellarClassfile string
	startTime        float64
}

type amebaVars struct {
	version         int
	mode            astelco.AmebaMode
	state           astelco.AmebaState
	sunAltCondition float64
	startTime       float64
	finishTime      float64
	current         amebaTargetVars
	manual          amebaTargetVars
	service         serviceVars
}

type dimmVars struct {
	version       int
	seeing        float64
	seeingLowfreq float64
	fluxLeft      float64
	fluxRight     float64
	fluxRMSLeft   float64
	fluxRMSRight  float64
	airmass       float64
	strehlLeft    float64
	strehlRight   float64
	timestamp     float64
	service       serviceVars
}

// The dome is not addressable through GET/SET on the real instrument;
// its state only moves with the automatic-operation loop.
type domeVars struct {
	position      float64
	positionSideA float64
	positionSideB float64
	temperature   float64
	powerState    astelco.PowerState
}

type meteoVars struct {
	version int
	service serviceVars
}

type scopeVars struct {
	version     int
	ra          float64
	dec         float64
	az          float64
	alt         float64
	focus       int
	motionState astelco.ScopeMotionState
	powerState  astelco.PowerState
	statusList  string
	service     serviceVars
}

type weatherVars struct {
	tempAmb  float64
	wind     float64
	windDir  float64
	rh       float64
	tempDew  float64
	pressure float64
	rain     astelco.RainState
}

type skyVars struct {
	status astelco.SkyStatus
	temp   float64
}

// Limits specify the operating conditions for automatic operation,
// initialized to the defaults listed in manual dev-dimm-tt-meto_spec-en_V1-2
// section 6.1 Startup conditions.
type Limits struct {
	// HumLow is the maximum allowed relative humidity (%).
	HumLow float64
	// WindLow is the maximum allowed wind speed (m/s).
	WindLow float64
	// TempStart is the maximum allowed sky temperature (C).
	TempStart float64
}

// DefaultLimits returns the manual-derived startup conditions.
func DefaultLimits() Limits {
	return Limits{HumLow: 97.0, WindLow: 9.0, TempStart: -20.0}
}

// variable is one addressable leaf of the hierarchical tree. A nil set
// means read-only; a nil get means write-only.
type variable struct {
	kind astelco.VariableType
	get  func() string
	set  func(string) error
}

func roFloat(p *float64) *variable {
	return &variable{
		kind: astelco.VariableTypeFloat,
		get:  func() string { return formatFloat(*p) },
	}
}

func rwFloat(p *float64) *variable {
	v := roFloat(p)
	v.set = func(s string) error {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid float value %q", s)
		}
		*p = f
		return nil
	}
	return v
}

func roInt(p *int) *variable {
	return &variable{
		kind: astelco.VariableTypeInt,
		get:  func() string { return strconv.Itoa(*p) },
	}
}

func roString(p *string) *variable {
	return &variable{
		kind: astelco.VariableTypeString,
		get:  func() string { return *p },
	}
}

// rwString requires the new value to be enclosed in double quotes, like
// the real instrument.
func rwString(p *string) *variable {
	v := roString(p)
	v.set = func(s string) error {
		if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
			return fmt.Errorf("all strings must be enclosed in double quotes")
		}
		*p = s[1 : len(s)-1]
		return nil
	}
	return v
}

func roEnum[E ~int](p *E) *variable {
	return &variable{
		kind: astelco.VariableTypeInt,
		get:  func() string { return strconv.Itoa(int(*p)) },
	}
}

// rwEnum validates the range [min, max] of the parsed enumerant.
func rwEnum[E ~int](p *E, min, max E) *variable {
	v := roEnum(p)
	v.set = func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid enum value %q", s)
		}
		if E(n) < min || E(n) > max {
			return fmt.Errorf("enum value %d out of range [%d, %d]", n, int(min), int(max))
		}
		*p = E(n)
		return nil
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// moduleNames are the top-level modules that GET and SET may address.
var moduleNames = map[string]struct{}{
	"ameba":   {},
	"dimm":    {},
	"scope":   {},
	"meteo":   {},
	"weather": {},
	"sky":     {},
}

func serviceLeaves(vars map[string]*variable, prefix string, sv *serviceVars) {
	vars[prefix+".service.state"] = roEnum(&sv.state)
	vars[prefix+".service.fail_state"] = roEnum(&sv.failState)
	vars[prefix+".service.control"] = rwEnum(&sv.control, astelco.ServiceControlStop, astelco.ServiceControlRestart)
}

// buildVars registers every addressable leaf. Keys are lowercase dotted
// paths; GET/SET lowercase the requested name before lookup.
func (s *Server) buildVars() {
	vars := make(map[string]*variable)

	vars["ameba.version"] = roInt(&s.ameba.version)
	vars["ameba.mode"] = rwEnum(&s.ameba.mode, astelco.AmebaModeOff, astelco.AmebaModeManual)
	vars["ameba.state"] = roEnum(&s.ameba.state)
	vars["ameba.sun_alt_condition"] = roFloat(&s.ameba.sunAltCondition)
	vars["ameba.start_time"] = roFloat(&s.ameba.startTime)
	vars["ameba.finish_time"] = roFloat(&s.ameba.finishTime)
	vars["ameba.current.name"] = roString(&s.ameba.current.name)
	vars["ameba.current.ra"] = roFloat(&s.ameba.current.ra)
	vars["ameba.current.dec"] = roFloat(&s.ameba.current.dec)
	vars["ameba.current.brightness"] = roFloat(&s.ameba.current.brightness)
	vars["ameba.current.color"] = roFloat(&s.ameba.current.color)
	vars["ameba.current.stellar_classfile"] = roString(&s.ameba.current.stellarClassfile)
	vars["ameba.current.start_time"] = roFloat(&s.ameba.current.startTime)
	vars["ameba.manual.name"] = rwString(&s.ameba.manual.name)
	vars["ameba.manual.ra"] = rwFloat(&s.ameba.manual.ra)
	vars["ameba.manual.dec"] = rwFloat(&s.ameba.manual.dec)
	vars["ameba.manual.brightness"] = rwFloat(&s.ameba.manual.brightness)
	vars["ameba.manual.color"] = rwFloat(&s.ameba.manual.color)
	vars["ameba.manual.stellar_class"] = rwString(&s.ameba.manual.stellarClass)
	vars["ameba.manual.stellar_classfile"] = roString(&s.ameba.manual.stellarClassfile)
	serviceLeaves(vars, "ameba", &s.ameba.service)

	vars["dimm.version"] = roInt(&s.dimm.version)
	vars["dimm.seeing"] = roFloat(&s.dimm.seeing)
	vars["dimm.seeing_lowfreq"] = roFloat(&s.dimm.seeingLowfreq)
	vars["dimm.flux_left"] = roFloat(&s.dimm.fluxLeft)
	vars["dimm.flux_right"] = roFloat(&s.dimm.fluxRight)
	vars["dimm.flux_rms_left"] = roFloat(&s.dimm.fluxRMSLeft)
	vars["dimm.flux_rms_right"] = roFloat(&s.dimm.fluxRMSRight)
	vars["dimm.airmass"] = roFloat(&s.dimm.airmass)
	vars["dimm.strehl_left"] = roFloat(&s.dimm.strehlLeft)
	vars["dimm.strehl_right"] = roFloat(&s.dimm.strehlRight)
	vars["dimm.timestamp"] = roFloat(&s.dimm.timestamp)
	serviceLeaves(vars, "dimm", &s.dimm.service)

	vars["meteo.version"] = roInt(&s.meteo.version)
	serviceLeaves(vars, "meteo", &s.meteo.service)

	vars["scope.version"] = roInt(&s.scope.version)
	vars["scope.ra"] = roFloat(&s.scope.ra)
	vars["scope.dec"] = roFloat(&s.scope.dec)
	vars["scope.az"] = roFloat(&s.scope.az)
	vars["scope.alt"] = roFloat(&s.scope.alt)
	vars["scope.focus"] = roInt(&s.scope.focus)
	vars["scope.motion_state"] = roEnum(&s.scope.motionState)
	vars["scope.power_state"] = roEnum(&s.scope.powerState)
	vars["scope.status.list"] = roString(&s.scope.statusList)
	// clear is write-only; the value is ignored. The real system only
	// clears errors that can be cleared.
	vars["scope.status.clear"] = &variable{
		kind: astelco.VariableTypeNull,
		set: func(string) error {
			s.scope.statusList = ""
			return nil
		},
	}
	serviceLeaves(vars, "scope", &s.scope.service)

	vars["weather.temp_amb"] = rwFloat(&s.weather.tempAmb)
	vars["weather.wind"] = rwFloat(&s.weather.wind)
	vars["weather.wind_dir"] = rwFloat(&s.weather.windDir)
	vars["weather.rh"] = rwFloat(&s.weather.rh)
	vars["weather.temp_dew"] = rwFloat(&s.weather.tempDew)
	vars["weather.pressure"] = rwFloat(&s.weather.pressure)
	vars["weather.rain"] = rwEnum(&s.weather.rain, astelco.RainStateDry, astelco.RainStatePrecipitation)

	vars["sky.status"] = rwEnum(&s.sky.status, astelco.SkyStatusClear, astelco.SkyStatusPrecipitating)
	vars["sky.temp"] = rwFloat(&s.sky.temp)

	s.vars = vars
}

// lookupVar resolves a lowercase dotted path, distinguishing an unknown
// module from an unknown field for the error message.
func (s *Server) lookupVar(name string) (*variable, error) {
	key := strings.ToLower(name)
	if v, ok := s.vars[key]; ok {
		return v, nil
	}
	module, _, _ := strings.Cut(key, ".")
	if _, ok := moduleNames[module]; !ok {
		return nil, fmt.Errorf("%s not a valid module name", module)
	}
	return nil, fmt.Errorf("field %q does not exist", name)
}
