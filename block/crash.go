package block

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrCrashed is returned by a CrashDevice after its write budget is spent.
var ErrCrashed = errors.New("simulated crash")

// CrashDevice wraps a Device and fails every write after a configured number
// of successful block writes, simulating power loss mid-sequence. Writes that
// fail are not applied. Reads keep working so the "crashed" image can be
// inspected and remounted.
type CrashDevice struct {
	Device

	remaining atomic.Int64
	crashed   atomic.Bool
}

// NewCrash wraps dev, allowing writesBeforeCrash successful block writes.
func NewCrash(dev Device, writesBeforeCrash int) *CrashDevice {
	c := &CrashDevice{Device: dev}
	c.remaining.Store(int64(writesBeforeCrash))
	return c
}

// WriteBlock consumes the write budget, then fails with ErrCrashed.
func (c *CrashDevice) WriteBlock(ctx context.Context, num uint32, buf []byte) error {
	if c.crashed.Load() {
		return ErrCrashed
	}
	if c.remaining.Add(-1) < 0 {
		c.crashed.Store(true)
		return ErrCrashed
	}
	return c.Device.WriteBlock(ctx, num, buf)
}

// Sync fails once the device has crashed.
func (c *CrashDevice) Sync(ctx context.Context) error {
	if c.crashed.Load() {
		return ErrCrashed
	}
	return c.Device.Sync(ctx)
}

// Crashed reports whether the simulated crash has happened.
func (c *CrashDevice) Crashed() bool { return c.crashed.Load() }
