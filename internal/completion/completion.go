// Package completion turns the device's shared completion interrupt
// into blocking and non-blocking wait primitives. Each submitted
// instruction gets a Ticket: a notification resolved exactly once by
// the interrupt handler (or by an explicit abort), never by polling
// hardware registers from the waiter's side.
package completion

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/naqibannur/fpga-npu-pcie/internal/metrics"
	"github.com/naqibannur/fpga-npu-pcie/internal/mmio"
	"github.com/naqibannur/fpga-npu-pcie/internal/nperr"
)

// Outcome is the observed state of one submitted instruction.
type Outcome int

const (
	Pending Outcome = iota
	Complete
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Ticket represents one submitted-but-not-yet-confirmed-complete
// instruction. A ticket resolves exactly once; Wait and Poll may be
// called any number of times before and after resolution.
type Ticket struct {
	opcode    string
	submitted time.Time

	// err is written by the resolver before done is closed; the
	// channel close publishes it to waiters.
	err  error
	done chan struct{}

	release     func()
	releaseOnce sync.Once
}

// Wait blocks until the instruction resolves. A zero timeout waits
// indefinitely; a positive timeout bounds the wait and returns
// nperr.ErrTimeout when exceeded. Timing out does not release the
// instruction's buffer references: the hardware may still be running,
// so the caller must confirm completion with a later Wait or Poll, or
// reset the device, before reusing the buffers.
func (t *Ticket) Wait(timeout time.Duration) error {
	if timeout == 0 {
		<-t.done
		return t.err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.err
	case <-timer.C:
		metrics.CompletionTimeouts.Inc()
		return errors.Wrapf(nperr.ErrTimeout, "instruction %s still running after %v", t.opcode, timeout)
	}
}

// Poll is the non-blocking variant of Wait.
func (t *Ticket) Poll() (Outcome, error) {
	select {
	case <-t.done:
		if t.err != nil {
			return Failed, t.err
		}
		return Complete, nil
	default:
		return Pending, nil
	}
}

// resolve publishes the outcome and drops the instruction's buffer
// references. Safe to call at most once; the synchronizer guarantees
// that.
func (t *Ticket) resolve(err error) {
	t.err = err
	t.releaseOnce.Do(func() {
		if t.release != nil {
			t.release()
		}
	})
	close(t.done)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.InstructionsTotal.WithLabelValues(t.opcode, result).Inc()
	metrics.InstructionDuration.Observe(float64(time.Since(t.submitted).Milliseconds()))
}

// Synchronizer owns the single pending-instruction slot and services
// the completion interrupt for one device.
type Synchronizer struct {
	mu      sync.Mutex
	ctl     mmio.Window
	pending *Ticket
	log     *zap.Logger
}

// NewSynchronizer builds a synchronizer over the control window. The
// caller connects HandleInterrupt to the device's interrupt line.
func NewSynchronizer(ctl mmio.Window, log *zap.Logger) *Synchronizer {
	return &Synchronizer{ctl: ctl, log: log.Named("completion")}
}

// Begin registers a new in-flight instruction. The primary datapath
// holds one instruction at a time; a second Begin before the first
// resolves fails with DeviceBusy. release runs exactly once when the
// ticket resolves, dropping the instruction's buffer references.
func (s *Synchronizer) Begin(opcode string, release func()) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil, errors.Wrap(nperr.ErrDeviceBusy, "an instruction is already in flight")
	}
	t := &Ticket{
		opcode:    opcode,
		submitted: time.Now(),
		done:      make(chan struct{}),
		release:   release,
	}
	s.pending = t
	return t, nil
}

// Busy reports whether an instruction is in flight.
func (s *Synchronizer) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// HandleInterrupt services the shared completion line. It runs in
// interrupt context: it reads STATUS, bails out if neither DONE nor
// ERROR is set (the interrupt belongs to another device on the line),
// acknowledges the causing bits by writing them back, and resolves the
// pending ticket.
func (s *Synchronizer) HandleInterrupt() {
	status, err := s.ctl.Read32(mmio.RegStatus)
	if err != nil {
		// Window gone mid-interrupt; the abort path tears down the
		// pending ticket when the device is removed.
		return
	}
	cause := status & (mmio.StatusDone | mmio.StatusError)
	if cause == 0 {
		return // not our interrupt
	}
	if err := s.ctl.Write32(mmio.RegStatus, cause); err != nil {
		return
	}

	s.mu.Lock()
	t := s.pending
	s.pending = nil
	s.mu.Unlock()
	if t == nil {
		s.log.Warn("completion interrupt with no instruction in flight",
			zap.Uint32("status", status))
		return
	}

	if status&mmio.StatusError != 0 {
		code, readErr := s.ctl.Read32(mmio.RegError)
		var fail error
		if readErr != nil {
			fail = errors.Wrap(nperr.ErrDeviceError, "error register unreadable")
		} else {
			cause := nperr.FromCode(nperr.Code(code))
			if cause == nil {
				// ERROR raised while the error register reads
				// success; still a fault, never success.
				cause = nperr.ErrDeviceError
			}
			fail = errors.Wrapf(cause, "instruction %s", t.opcode)
		}
		t.resolve(fail)
		return
	}
	t.resolve(nil)
}

// Abort fails the pending instruction, if any, and releases its buffer
// references. The device reset path calls this: reset is the only true
// cancellation primitive.
func (s *Synchronizer) Abort(reason error) {
	s.mu.Lock()
	t := s.pending
	s.pending = nil
	s.mu.Unlock()
	if t == nil {
		return
	}
	if reason == nil {
		reason = errors.Wrap(nperr.ErrDeviceError, "aborted")
	}
	s.log.Warn("aborting in-flight instruction", zap.String("opcode", t.opcode), zap.Error(reason))
	t.resolve(reason)
}
