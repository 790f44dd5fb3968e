package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/fpga"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

func newTestDevice(t *testing.T) (*Device, *fpga.Model) {
	t.Helper()
	model := fpga.New(fpga.Config{ArenaSize: 1 << 20, ExecLatency: time.Millisecond})
	t.Cleanup(model.Drain)
	d, err := Probe(model, 0, zap.NewNop())
	require.NoError(t, err)
	return d, model
}

// shortBAR wraps a model but truncates the control window, simulating
// a card whose BAR came up with the wrong size.
type shortBAR struct {
	*fpga.Model
}

type truncatedWindow struct {
	mmio.Window
}

func (truncatedWindow) Len() uint32 { return 0x40 }

func (s shortBAR) ControlWindow() mmio.Window {
	return truncatedWindow{s.Model.ControlWindow()}
}

func TestProbe(t *testing.T) {
	t.Run("reports identity", func(t *testing.T) {
		d, _ := newTestDevice(t)
		info := d.Info()
		assert.Equal(t, uint32(VendorID), info.VendorID)
		assert.Equal(t, uint32(DeviceID), info.DeviceID)
		assert.NotZero(t, info.PECount)
		assert.NotZero(t, info.MemorySize)
	})

	t.Run("device ready after probe", func(t *testing.T) {
		d, _ := newTestDevice(t)
		status, err := d.ReadStatus()
		require.NoError(t, err)
		assert.NotZero(t, status&mmio.StatusReady)
	})

	t.Run("malformed BAR aborts probe", func(t *testing.T) {
		model := fpga.New(fpga.Config{ArenaSize: 1 << 20})
		_, err := Probe(shortBAR{model}, 0, zap.NewNop())
		assert.ErrorIs(t, err, nperr.ErrDeviceError)
	})
}

func TestSingleSession(t *testing.T) {
	t.Run("second open busy", func(t *testing.T) {
		d, _ := newTestDevice(t)
		require.NoError(t, d.Open())
		assert.ErrorIs(t, d.Open(), nperr.ErrDeviceBusy)
		d.Close()
		assert.NoError(t, d.Open())
		d.Close()
	})

	t.Run("exactly one of N concurrent opens wins", func(t *testing.T) {
		d, _ := newTestDevice(t)
		const n = 16
		var wg sync.WaitGroup
		results := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- d.Open()
			}()
		}
		wg.Wait()
		close(results)

		var ok, busy int
		for err := range results {
			if err == nil {
				ok++
			} else if assert.ErrorIs(t, err, nperr.ErrDeviceBusy) {
				busy++
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, n-1, busy)
	})
}

func TestConfig(t *testing.T) {
	d, _ := newTestDevice(t)
	cfg := Config{
		PEEnableMask: 0x00FF,
		ClockMHz:     300,
		PowerMode:    1,
		CachePolicy:  1,
		DebugLevel:   2,
	}
	require.NoError(t, d.WriteConfig(cfg))
	assert.Equal(t, cfg, d.Config())

	v, err := d.ReadRegister(mmio.RegCfgPEMask)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x00FF), v)

	t.Run("config survives reset", func(t *testing.T) {
		require.NoError(t, d.Reset())
		assert.Equal(t, cfg, d.Config())
		v, err := d.ReadRegister(mmio.RegCfgClock)
		require.NoError(t, err)
		assert.Equal(t, uint32(300), v)
	})
}

func TestDebugRegisters(t *testing.T) {
	d, _ := newTestDevice(t)

	require.NoError(t, d.WriteRegister(mmio.RegCfgDebug, 3))
	v, err := d.ReadRegister(mmio.RegCfgDebug)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), v)

	dump, err := d.DumpRegisters()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), dump[mmio.RegCfgDebug/4])
	assert.NotZero(t, dump[mmio.RegStatus/4]&mmio.StatusReady)
}

func TestLastError(t *testing.T) {
	d, _ := newTestDevice(t)
	info, err := d.LastError()
	require.NoError(t, err)
	assert.Equal(t, nperr.CodeSuccess, info.Code)
	assert.Zero(t, info.Count)
}

func TestRemovedDevice(t *testing.T) {
	d, model := newTestDevice(t)
	model.Unplug()
	d.Remove()

	_, err := d.ReadStatus()
	assert.ErrorIs(t, err, nperr.ErrDeviceError)
	assert.ErrorIs(t, d.Reset(), nperr.ErrDeviceError)
	_, err = d.DumpRegisters()
	assert.ErrorIs(t, err, nperr.ErrDeviceError)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	d0, _ := newTestDevice(t)
	require.NoError(t, r.Add(d0))

	t.Run("duplicate index rejected", func(t *testing.T) {
		assert.Error(t, r.Add(d0))
	})

	t.Run("lookup", func(t *testing.T) {
		got, err := r.Get(0)
		require.NoError(t, err)
		assert.Same(t, d0, got)

		_, err = r.Get(3)
		assert.ErrorIs(t, err, nperr.ErrNotFound)
	})

	t.Run("remove", func(t *testing.T) {
		r.Remove(0)
		assert.Zero(t, r.Len())
		_, err := r.Get(0)
		assert.ErrorIs(t, err, nperr.ErrNotFound)
	})
}
