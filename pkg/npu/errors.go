package npu

import "github.com/naqibannur/fpga-npu-pcie/internal/nperr"

// Sentinel errors surfaced by the runtime. Each matches with
// errors.Is across the wrapping the call path adds.
var (
	ErrInvalidParameter = nperr.ErrInvalidParameter
	ErrNoMemory         = nperr.ErrNoMemory
	ErrTimeout          = nperr.ErrTimeout
	ErrDeviceBusy       = nperr.ErrDeviceBusy
	ErrDeviceError      = nperr.ErrDeviceError
	ErrDMAError         = nperr.ErrDMAError
	ErrThermalLimit     = nperr.ErrThermalLimit
	ErrPowerLimit       = nperr.ErrPowerLimit
	ErrNotFound         = nperr.ErrNotFound
)
