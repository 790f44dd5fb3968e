package completion

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

func newTestSync(t *testing.T) (*Synchronizer, *mmio.MemWindow) {
	t.Helper()
	win := mmio.NewMemWindow(mmio.ControlWindowLen)
	return NewSynchronizer(win, zap.NewNop()), win
}

func TestWaitIndefinite(t *testing.T) {
	s, win := newTestSync(t)

	var released atomic.Int32
	ticket, err := s.Begin("add", func() { released.Add(1) })
	require.NoError(t, err)

	// Simulate the device raising DONE some time later.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = win.Write32(mmio.RegStatus, mmio.StatusDone|mmio.StatusReady)
		s.HandleInterrupt()
	}()

	require.NoError(t, ticket.Wait(0))
	assert.Equal(t, int32(1), released.Load())

	// DONE acknowledged write-1-to-clear: the handler's last STATUS
	// write carries exactly the cause bit, not READY.
	writes := win.Writes()
	var lastStatus *mmio.WriteRecord
	for i := range writes {
		if writes[i].Offset == mmio.RegStatus {
			lastStatus = &writes[i]
		}
	}
	require.NotNil(t, lastStatus)
	assert.Equal(t, uint32(mmio.StatusDone), lastStatus.Value)
	assert.False(t, s.Busy())
}

func TestWaitTimeout(t *testing.T) {
	s, win := newTestSync(t)

	var released atomic.Int32
	ticket, err := s.Begin("matmul", func() { released.Add(1) })
	require.NoError(t, err)

	// Device stays busy well past the wait bound.
	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusBusy))

	err = ticket.Wait(10 * time.Millisecond)
	assert.ErrorIs(t, err, nperr.ErrTimeout)

	// Timed-out wait must not release buffer references while the
	// hardware may still be running.
	assert.Zero(t, released.Load())
	status, _ := win.Read32(mmio.RegStatus)
	assert.NotZero(t, status&mmio.StatusBusy)

	// Late completion still resolves the same ticket.
	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusDone))
	s.HandleInterrupt()
	require.NoError(t, ticket.Wait(0))
	assert.Equal(t, int32(1), released.Load())
}

func TestPoll(t *testing.T) {
	s, win := newTestSync(t)
	ticket, err := s.Begin("conv", func() {})
	require.NoError(t, err)

	outcome, err := ticket.Poll()
	require.NoError(t, err)
	assert.Equal(t, Pending, outcome)

	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusDone))
	s.HandleInterrupt()

	outcome, err = ticket.Poll()
	require.NoError(t, err)
	assert.Equal(t, Complete, outcome)
}

func TestFailedInstruction(t *testing.T) {
	s, win := newTestSync(t)
	var released atomic.Int32
	ticket, err := s.Begin("conv", func() { released.Add(1) })
	require.NoError(t, err)

	require.NoError(t, win.Write32(mmio.RegError, uint32(nperr.CodeDMAError)))
	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusError))
	s.HandleInterrupt()

	err = ticket.Wait(0)
	assert.ErrorIs(t, err, nperr.ErrDMAError)

	outcome, pollErr := ticket.Poll()
	assert.Equal(t, Failed, outcome)
	assert.ErrorIs(t, pollErr, nperr.ErrDMAError)

	// References are released exactly once even on failure.
	assert.Equal(t, int32(1), released.Load())
}

func TestErrorWithSuccessCode(t *testing.T) {
	s, win := newTestSync(t)
	var released atomic.Int32
	ticket, err := s.Begin("matmul", func() { released.Add(1) })
	require.NoError(t, err)

	// ERROR raised but the error register still reads success. The
	// instruction must fail, not silently succeed.
	require.NoError(t, win.Write32(mmio.RegError, uint32(nperr.CodeSuccess)))
	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusError))
	s.HandleInterrupt()

	assert.ErrorIs(t, ticket.Wait(0), nperr.ErrDeviceError)
	assert.Equal(t, int32(1), released.Load())
}

func TestSharedInterruptLine(t *testing.T) {
	s, win := newTestSync(t)
	ticket, err := s.Begin("relu", func() {})
	require.NoError(t, err)

	// Another device's interrupt: STATUS shows neither DONE nor ERROR.
	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusBusy))
	s.HandleInterrupt()

	outcome, err := ticket.Poll()
	require.NoError(t, err)
	assert.Equal(t, Pending, outcome, "foreign interrupt must not resolve the ticket")
	assert.True(t, s.Busy())

	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusDone))
	s.HandleInterrupt()
	require.NoError(t, ticket.Wait(0))
}

func TestOneInFlight(t *testing.T) {
	s, win := newTestSync(t)
	_, err := s.Begin("add", func() {})
	require.NoError(t, err)

	_, err = s.Begin("add", func() {})
	assert.ErrorIs(t, err, nperr.ErrDeviceBusy)

	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusDone))
	s.HandleInterrupt()

	_, err = s.Begin("add", func() {})
	assert.NoError(t, err)
}

func TestAbort(t *testing.T) {
	s, _ := newTestSync(t)
	var released atomic.Int32
	ticket, err := s.Begin("matmul", func() { released.Add(1) })
	require.NoError(t, err)

	s.Abort(nil)

	err = ticket.Wait(0)
	assert.ErrorIs(t, err, nperr.ErrDeviceError)
	assert.Equal(t, int32(1), released.Load())
	assert.False(t, s.Busy())

	// Aborting with nothing pending is a no-op.
	s.Abort(nil)
}

func TestStaleInterrupt(t *testing.T) {
	s, win := newTestSync(t)
	// DONE raised with no ticket pending must not panic.
	require.NoError(t, win.Write32(mmio.RegStatus, mmio.StatusDone))
	s.HandleInterrupt()
}

func TestWindowGone(t *testing.T) {
	s, win := newTestSync(t)
	ticket, err := s.Begin("add", func() {})
	require.NoError(t, err)

	win.Unplug()
	s.HandleInterrupt() // must not panic or resolve

	outcome, _ := ticket.Poll()
	assert.Equal(t, Pending, outcome)

	s.Abort(nperr.ErrDeviceError)
	assert.ErrorIs(t, ticket.Wait(0), nperr.ErrDeviceError)
}
