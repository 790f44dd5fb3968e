// Package nperr defines the error taxonomy shared by the driver-side
// packages and the user-space runtime. Kernel-side faults travel as
// negative numeric codes across the ioctl boundary; FromCode translates
// them back into sentinel errors so callers can use errors.Is.
package nperr

import (
	"github.com/pkg/errors"
)

// Code is the wire representation of an error class. The values match
// the driver ABI and must not be reordered.
type Code int32

const (
	CodeSuccess Code = iota
	CodeInvalidParameter
	CodeNoMemory
	CodeTimeout
	CodeDeviceBusy
	CodeDeviceError
	CodeDMAError
	CodeThermalLimit
	CodePowerLimit
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNoMemory         = errors.New("out of memory")
	ErrTimeout          = errors.New("operation timed out")
	ErrDeviceBusy       = errors.New("device busy")
	ErrDeviceError      = errors.New("device error")
	ErrDMAError         = errors.New("dma error")
	ErrThermalLimit     = errors.New("thermal limit exceeded")
	ErrPowerLimit       = errors.New("power limit exceeded")

	// ErrNotFound covers lookups of unknown buffer or device handles.
	// It has no wire code of its own; across the boundary it degrades
	// to CodeInvalidParameter.
	ErrNotFound = errors.New("not found")
)

var sentinels = map[Code]error{
	CodeInvalidParameter: ErrInvalidParameter,
	CodeNoMemory:         ErrNoMemory,
	CodeTimeout:          ErrTimeout,
	CodeDeviceBusy:       ErrDeviceBusy,
	CodeDeviceError:      ErrDeviceError,
	CodeDMAError:         ErrDMAError,
	CodeThermalLimit:     ErrThermalLimit,
	CodePowerLimit:       ErrPowerLimit,
}

// CodeOf maps an error back to its wire code. Wrapped errors are
// unwrapped via errors.Is. Unknown errors map to CodeDeviceError so a
// fault is never reported as success.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if errors.Is(err, ErrNotFound) {
		return CodeInvalidParameter
	}
	for code, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeDeviceError
}

// FromCode returns the sentinel for a wire code, or nil for CodeSuccess.
func FromCode(code Code) error {
	if code == CodeSuccess {
		return nil
	}
	if err, ok := sentinels[code]; ok {
		return err
	}
	return errors.Wrapf(ErrDeviceError, "unknown error code %d", code)
}
