// Package astelco defines the enumerations used by the Astelco autonomous
// DIMM variable tree. The values come from the instrument manual and are
// shared by the OpenTPL client controller and the mock server.
package astelco

// Terminator ends every line of the OpenTPL protocol. Unlike most
// line-based TCP/IP protocols, which use "\r\n", the Astelco controller
// only requires "\n".
const Terminator = byte('\n')

// DefaultPort is the TCP port the Astelco controller listens on.
const DefaultPort = 65432

// AmebaMode selects the operating mode of the autonomous-operation
// subsystem.
type AmebaMode int

const (
	AmebaModeOff AmebaMode = iota
	AmebaModeAuto
	AmebaModeManual
)

// AmebaState reports what the autonomous-operation subsystem is doing.
type AmebaState int

const (
	AmebaStateInactive AmebaState = iota
	AmebaStateWaiting
	AmebaStateSlewing
	AmebaStateTracking
	AmebaStateFocusing
	AmebaStateMonitoring
)

// ServiceState reports whether an internal service is running.
type ServiceState int

const (
	ServiceStateNotRunning ServiceState = iota
	ServiceStateRunning
)

// ServiceFailState reports whether an internal service has failed.
type ServiceFailState int

const (
	ServiceFailStateNoFailure ServiceFailState = iota
	ServiceFailStateFailure
)

// ServiceControl commands an internal service.
type ServiceControl int

const (
	ServiceControlStop ServiceControl = iota
	ServiceControlStart
	ServiceControlRestart
)

// PowerState reports whether the scope or dome is powered up.
type PowerState int

const (
	PowerStateParked PowerState = iota
	PowerStatePoweredUp
)

// RainState is the combined precipitation signal fed to the instrument.
type RainState int

const (
	RainStateDry RainState = iota
	RainStatePrecipitation
)

// ScopeMotionState reports the motion state of the telescope mount.
type ScopeMotionState int

const (
	ScopeMotionStateError    ScopeMotionState = -2
	ScopeMotionStateParked   ScopeMotionState = -1
	ScopeMotionStateStopped  ScopeMotionState = 0
	ScopeMotionStateSlewing  ScopeMotionState = 1
	ScopeMotionStateTracking ScopeMotionState = 2
)

// SkyStatus classifies the sky condition fed to the instrument.
type SkyStatus int

const (
	SkyStatusClear SkyStatus = iota
	SkyStatusLightlyCloudy
	SkyStatusCloudy
	SkyStatusPrecipitating
)

// VariableType is the wire type code reported by the !TYPE property of a
// GET command.
type VariableType int

const (
	VariableTypeNull VariableType = iota // should not occur
	VariableTypeInt
	VariableTypeFloat
	VariableTypeString
)
