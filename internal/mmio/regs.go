package mmio

// Control-plane register map (BAR 0). All registers are 32 bits wide.
const (
	RegControl  = 0x000
	RegStatus   = 0x004
	RegDataAddr = 0x008 // legacy shared-buffer path
	RegDataSize = 0x00C
	RegIntMask  = 0x010

	// Instruction slot. One instruction in flight at a time.
	RegOpcode   = 0x014
	RegSrc1Addr = 0x018
	RegSrc2Addr = 0x01C
	RegDstAddr  = 0x020
	RegXferSize = 0x024
	RegParam0   = 0x028 // params 0..7 at 0x028..0x044

	// DMA engine.
	RegDMASrc  = 0x048
	RegDMADst  = 0x04C
	RegDMASize = 0x050
	RegDMACtrl = 0x054

	RegPerfCtrl = 0x058

	// Eight 64-bit performance counters, each as a {LO, HI} register
	// pair starting at RegPerfBase. The pair is not latched: the two
	// halves are read with separate bus cycles, so a counter rolling
	// over between the reads yields a torn value. Readers use the
	// high/low/high retry protocol in internal/telemetry.
	RegPerfBase = 0x060 // 0x060..0x09C

	RegTemperature = 0x0A0 // degrees Celsius
	RegPower       = 0x0A4 // milliwatts
	RegFanSpeed    = 0x0A8 // RPM

	// Device configuration block.
	RegCfgPEMask    = 0x0AC
	RegCfgClock     = 0x0B0
	RegCfgPowerMode = 0x0B4
	RegCfgCache     = 0x0B8
	RegCfgDebug     = 0x0BC

	RegError      = 0x0C0
	RegErrorCount = 0x0C4

	// ControlWindowLen covers the 64 dumpable registers.
	ControlWindowLen = 0x100
)

// RegParam returns the offset of instruction parameter word i (0..7).
func RegParam(i int) uint32 {
	return RegParam0 + uint32(i)*4
}

// RegPerfLo and RegPerfHi return the offsets of counter i's halves.
func RegPerfLo(i int) uint32 { return RegPerfBase + uint32(i)*8 }
func RegPerfHi(i int) uint32 { return RegPerfBase + uint32(i)*8 + 4 }

// Control register bits.
const (
	CtrlEnable       = 1 << 0
	CtrlReset        = 1 << 1
	CtrlStart        = 1 << 2
	CtrlHighPriority = 1 << 3
)

// Status register bits. Completion-related bits are write-1-to-clear.
// The hardware never raises Busy and Done together.
const (
	StatusReady          = 1 << 0
	StatusBusy           = 1 << 1
	StatusError          = 1 << 2
	StatusDone           = 1 << 3
	StatusThermalWarning = 1 << 4
	StatusPowerWarning   = 1 << 5
)

// DMA control register bits.
const (
	DMACtrlStart = 1 << 0
	DMACtrlBusy  = 1 << 1
	DMACtrlDone  = 1 << 2
	DMACtrlError = 1 << 3
	DMACtrlAbort = 1 << 4
)

// Perf control register bits.
const (
	PerfCtrlReset = 1 << 0
)

// Operation codes written to RegOpcode. OpNone selects the legacy
// shared-buffer passthrough path.
const (
	OpNone      = 0
	OpAdd       = 1
	OpSub       = 2
	OpMul       = 3
	OpMAC       = 4
	OpConv      = 5
	OpMatMul    = 6
	OpReLU      = 7
	OpSigmoid   = 8
	OpPooling   = 9
	OpBatchNorm = 10
)

// Performance counter indices.
const (
	PerfCycles = iota
	PerfOperations
	PerfMemoryReads
	PerfMemoryWrites
	PerfCacheHits
	PerfCacheMisses
	PerfPipelineStalls
	PerfPowerConsumption
	PerfCounterMax
)
