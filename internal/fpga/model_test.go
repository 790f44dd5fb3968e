package fpga

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

func newTestModel(t *testing.T) *Model {
	t.Helper()
	m := New(Config{ArenaSize: 1 << 20, ExecLatency: time.Millisecond})
	t.Cleanup(m.Drain)
	return m
}

func putF32(mem []byte, vals []float32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(mem[i*4:], math.Float32bits(v))
	}
}

func getF32(mem []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(mem[i*4:]))
	}
	return out
}

func TestAllocCoherent(t *testing.T) {
	m := newTestModel(t)

	t.Run("regions do not overlap and are aligned", func(t *testing.T) {
		a, err := m.AllocCoherent(4096)
		require.NoError(t, err)
		b, err := m.AllocCoherent(4096)
		require.NoError(t, err)
		assert.NotZero(t, a.PhysAddr)
		assert.Zero(t, a.PhysAddr%64)
		assert.GreaterOrEqual(t, b.PhysAddr, a.PhysAddr+4096)

		require.NoError(t, m.FreeCoherent(a))
		require.NoError(t, m.FreeCoherent(b))
	})

	t.Run("freed space is reused", func(t *testing.T) {
		a, err := m.AllocCoherent(8192)
		require.NoError(t, err)
		phys := a.PhysAddr
		require.NoError(t, m.FreeCoherent(a))

		b, err := m.AllocCoherent(8192)
		require.NoError(t, err)
		assert.Equal(t, phys, b.PhysAddr)
		require.NoError(t, m.FreeCoherent(b))
	})

	t.Run("exhaustion fails with no memory", func(t *testing.T) {
		_, err := m.AllocCoherent(2 << 20)
		assert.ErrorIs(t, err, nperr.ErrNoMemory)
	})

	t.Run("zero size rejected", func(t *testing.T) {
		_, err := m.AllocCoherent(0)
		assert.ErrorIs(t, err, nperr.ErrInvalidParameter)
	})

	t.Run("double free rejected", func(t *testing.T) {
		a, err := m.AllocCoherent(4096)
		require.NoError(t, err)
		require.NoError(t, m.FreeCoherent(a))
		assert.ErrorIs(t, m.FreeCoherent(a), nperr.ErrNotFound)
	})
}

// runInstruction programs the instruction slot and waits for the
// completion interrupt.
func runInstruction(t *testing.T, m *Model, op uint32, src1, src2, dst, size uint32, params []uint32) uint32 {
	t.Helper()
	ctl := m.ControlWindow()
	fired := make(chan struct{})
	disconnect := m.ConnectIRQ(func() { close(fired) })
	defer disconnect()

	require.NoError(t, ctl.Write32(mmio.RegOpcode, op))
	require.NoError(t, ctl.Write32(mmio.RegSrc1Addr, src1))
	require.NoError(t, ctl.Write32(mmio.RegSrc2Addr, src2))
	require.NoError(t, ctl.Write32(mmio.RegDstAddr, dst))
	require.NoError(t, ctl.Write32(mmio.RegXferSize, size))
	for i, p := range params {
		require.NoError(t, ctl.Write32(mmio.RegParam(i), p))
	}
	require.NoError(t, ctl.Write32(mmio.RegControl, mmio.CtrlEnable|mmio.CtrlStart))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("completion interrupt never fired")
	}
	status, err := ctl.Read32(mmio.RegStatus)
	require.NoError(t, err)
	return status
}

func TestExecution(t *testing.T) {
	t.Run("busy and done are never both set", func(t *testing.T) {
		m := newTestModel(t)
		a, err := m.AllocCoherent(4096)
		require.NoError(t, err)
		b, err := m.AllocCoherent(4096)
		require.NoError(t, err)
		c, err := m.AllocCoherent(4096)
		require.NoError(t, err)

		ctl := m.ControlWindow()
		done := make(chan struct{})
		disconnect := m.ConnectIRQ(func() { close(done) })
		defer disconnect()

		require.NoError(t, ctl.Write32(mmio.RegOpcode, mmio.OpAdd))
		require.NoError(t, ctl.Write32(mmio.RegSrc1Addr, a.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegSrc2Addr, b.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegDstAddr, c.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegXferSize, 4096))
		require.NoError(t, ctl.Write32(mmio.RegControl, mmio.CtrlEnable|mmio.CtrlStart))

		deadline := time.After(2 * time.Second)
		for {
			status, err := ctl.Read32(mmio.RegStatus)
			require.NoError(t, err)
			both := uint32(mmio.StatusBusy | mmio.StatusDone)
			assert.NotEqual(t, both, status&both, "BUSY and DONE observed together")
			select {
			case <-done:
				return
			case <-deadline:
				t.Fatal("instruction never completed")
			default:
			}
		}
	})

	t.Run("completion sets done and write-1 clears it", func(t *testing.T) {
		m := newTestModel(t)
		a, _ := m.AllocCoherent(4096)
		b, _ := m.AllocCoherent(4096)
		c, _ := m.AllocCoherent(4096)

		status := runInstruction(t, m, mmio.OpAdd, a.PhysAddr, b.PhysAddr, c.PhysAddr, 4096, nil)
		assert.NotZero(t, status&mmio.StatusDone)
		assert.Zero(t, status&mmio.StatusBusy)

		ctl := m.ControlWindow()
		require.NoError(t, ctl.Write32(mmio.RegStatus, status))
		status, err := ctl.Read32(mmio.RegStatus)
		require.NoError(t, err)
		assert.Zero(t, status&mmio.StatusDone)
		assert.NotZero(t, status&mmio.StatusReady)
	})

	t.Run("operand outside arena raises error bit", func(t *testing.T) {
		m := newTestModel(t)
		a, _ := m.AllocCoherent(4096)
		b, _ := m.AllocCoherent(4096)

		status := runInstruction(t, m, mmio.OpAdd, a.PhysAddr, b.PhysAddr, 0xFFFF0000, 4096, nil)
		assert.NotZero(t, status&mmio.StatusError)
		assert.Zero(t, status&mmio.StatusDone)

		ctl := m.ControlWindow()
		code, err := ctl.Read32(mmio.RegError)
		require.NoError(t, err)
		assert.Equal(t, uint32(nperr.CodeDMAError), code)
	})

	t.Run("perf counters advance after execution", func(t *testing.T) {
		m := newTestModel(t)
		a, _ := m.AllocCoherent(4096)
		b, _ := m.AllocCoherent(4096)
		c, _ := m.AllocCoherent(4096)

		ctl := m.ControlWindow()
		before, err := ctl.Read32(mmio.RegPerfLo(mmio.PerfOperations))
		require.NoError(t, err)

		runInstruction(t, m, mmio.OpAdd, a.PhysAddr, b.PhysAddr, c.PhysAddr, 4096, nil)

		after, err := ctl.Read32(mmio.RegPerfLo(mmio.PerfOperations))
		require.NoError(t, err)
		assert.Equal(t, before+1024, after)
	})

	t.Run("perf reset zeroes counters", func(t *testing.T) {
		m := newTestModel(t)
		a, _ := m.AllocCoherent(4096)
		b, _ := m.AllocCoherent(4096)
		c, _ := m.AllocCoherent(4096)
		runInstruction(t, m, mmio.OpAdd, a.PhysAddr, b.PhysAddr, c.PhysAddr, 4096, nil)

		ctl := m.ControlWindow()
		require.NoError(t, ctl.Write32(mmio.RegPerfCtrl, mmio.PerfCtrlReset))
		v, err := ctl.Read32(mmio.RegPerfLo(mmio.PerfCycles))
		require.NoError(t, err)
		assert.Zero(t, v)
	})
}

func TestDMAEngine(t *testing.T) {
	m := newTestModel(t)
	ctl := m.ControlWindow()

	src, err := m.AllocCoherent(4096)
	require.NoError(t, err)
	dst, err := m.AllocCoherent(4096)
	require.NoError(t, err)

	t.Run("copies between arena regions", func(t *testing.T) {
		for i := range src.Mem {
			src.Mem[i] = byte(i)
		}
		require.NoError(t, ctl.Write32(mmio.RegDMASrc, src.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegDMADst, dst.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegDMASize, 4096))
		require.NoError(t, ctl.Write32(mmio.RegDMACtrl, mmio.DMACtrlStart))

		dmaStatus, err := ctl.Read32(mmio.RegDMACtrl)
		require.NoError(t, err)
		assert.NotZero(t, dmaStatus&mmio.DMACtrlDone)
		assert.Equal(t, src.Mem, dst.Mem)
	})

	t.Run("out of range copy sets error bit", func(t *testing.T) {
		require.NoError(t, ctl.Write32(mmio.RegDMASrc, src.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegDMADst, 0xFFFFF000))
		require.NoError(t, ctl.Write32(mmio.RegDMASize, 4096))
		require.NoError(t, ctl.Write32(mmio.RegDMACtrl, mmio.DMACtrlStart))

		dmaStatus, err := ctl.Read32(mmio.RegDMACtrl)
		require.NoError(t, err)
		assert.NotZero(t, dmaStatus&mmio.DMACtrlError)
	})

	t.Run("abort clears the engine", func(t *testing.T) {
		require.NoError(t, ctl.Write32(mmio.RegDMACtrl, mmio.DMACtrlAbort))
		dmaStatus, err := ctl.Read32(mmio.RegDMACtrl)
		require.NoError(t, err)
		assert.Zero(t, dmaStatus)
	})
}

func TestReset(t *testing.T) {
	m := newTestModel(t)
	ctl := m.ControlWindow()

	require.NoError(t, ctl.Write32(mmio.RegCfgClock, 300))
	require.NoError(t, ctl.Write32(mmio.RegOpcode, mmio.OpMatMul))
	require.NoError(t, ctl.Write32(mmio.RegControl, mmio.CtrlReset))

	t.Run("registers cleared, ready set", func(t *testing.T) {
		status, err := ctl.Read32(mmio.RegStatus)
		require.NoError(t, err)
		assert.Equal(t, uint32(mmio.StatusReady), status)

		op, err := ctl.Read32(mmio.RegOpcode)
		require.NoError(t, err)
		assert.Zero(t, op)
	})

	t.Run("configuration survives reset", func(t *testing.T) {
		clock, err := ctl.Read32(mmio.RegCfgClock)
		require.NoError(t, err)
		assert.Equal(t, uint32(300), clock)
	})

	t.Run("reset aborts in-flight execution", func(t *testing.T) {
		a, _ := m.AllocCoherent(4096)
		b, _ := m.AllocCoherent(4096)
		c, _ := m.AllocCoherent(4096)

		fired := make(chan struct{}, 1)
		disconnect := m.ConnectIRQ(func() { fired <- struct{}{} })
		defer disconnect()

		require.NoError(t, ctl.Write32(mmio.RegOpcode, mmio.OpAdd))
		require.NoError(t, ctl.Write32(mmio.RegSrc1Addr, a.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegSrc2Addr, b.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegDstAddr, c.PhysAddr))
		require.NoError(t, ctl.Write32(mmio.RegXferSize, 4096))
		require.NoError(t, ctl.Write32(mmio.RegControl, mmio.CtrlEnable|mmio.CtrlStart))
		require.NoError(t, ctl.Write32(mmio.RegControl, mmio.CtrlReset))

		m.Drain()
		select {
		case <-fired:
			t.Fatal("aborted execution still raised an interrupt")
		default:
		}
		status, err := ctl.Read32(mmio.RegStatus)
		require.NoError(t, err)
		assert.Equal(t, uint32(mmio.StatusReady), status)
	})
}

func TestUnplug(t *testing.T) {
	m := newTestModel(t)
	ctl := m.ControlWindow()
	data := m.DataWindow()

	m.Unplug()

	_, err := ctl.Read32(mmio.RegStatus)
	assert.ErrorIs(t, err, nperr.ErrDeviceError)
	assert.ErrorIs(t, ctl.Write32(mmio.RegControl, 0), nperr.ErrDeviceError)
	_, err = data.Read32(0)
	assert.ErrorIs(t, err, nperr.ErrDeviceError)
	_, err = m.AllocCoherent(4096)
	assert.ErrorIs(t, err, nperr.ErrDeviceError)
}

func TestMonitoringRegisters(t *testing.T) {
	m := newTestModel(t)
	ctl := m.ControlWindow()

	temp, err := ctl.Read32(mmio.RegTemperature)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, temp, uint32(45))
	assert.LessOrEqual(t, temp, uint32(90))

	power, err := ctl.Read32(mmio.RegPower)
	require.NoError(t, err)
	assert.NotZero(t, power)

	// monitoring registers ignore writes
	require.NoError(t, ctl.Write32(mmio.RegTemperature, 0))
	temp2, err := ctl.Read32(mmio.RegTemperature)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, temp2, uint32(45))
}
