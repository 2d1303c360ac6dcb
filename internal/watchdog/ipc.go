// Package watchdog implements the safety watchdog (C2, spec.md §4.2): a
// self-re-exec'd separate OS process that can recover the PWM peripheral
// to a safe state even if the main process hangs or crashes holding the
// I²C bus. Registers are reached through internal/pwm/pca9685 the same
// way the main process does; the watchdog never talks to the main process
// except through the three pipes this file wires up.
package watchdog

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// pipePair is one direction of inter-process signaling: a reader and a
// writer, each set O_NONBLOCK so a send never blocks the producer and a
// missed wake never blocks the consumer (spec.md §4.2's "bounded,
// single-slot queue" — approximated here by a non-blocking pipe a few
// bytes deep rather than a hard 1-entry mailbox; see DESIGN.md).
type pipePair struct {
	read  *os.File
	write *os.File
}

func newPipePair() (pipePair, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return pipePair{}, fmt.Errorf("watchdog: pipe: %w", err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return pipePair{}, fmt.Errorf("watchdog: set nonblock (read): %w", err)
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return pipePair{}, fmt.Errorf("watchdog: set nonblock (write): %w", err)
	}
	return pipePair{read: r, write: w}, nil
}

// pushToken is a non-blocking single-byte send. EAGAIN (the slot is
// currently full) is swallowed: the newest token always wins the race to
// be consumed next, which is the only property the liveness check needs.
func pushToken(w *os.File) {
	_, err := w.Write([]byte{1})
	if err != nil && err != unix.EAGAIN {
		// The pipe is gone (peer exited); nothing useful to do here, the
		// liveness check on the other side will notice independently.
		_ = err
	}
}

// consumeToken drains at most one pending token, reporting whether one
// was available.
func consumeToken(r *os.File) bool {
	buf := make([]byte, 1)
	n, err := r.Read(buf)
	return err == nil && n > 0
}
