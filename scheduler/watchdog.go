package scheduler

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

// WatchdogExitCode is the process exit code for a run that exceeded the
// global wall-clock timeout, mirroring the timeout(1) convention.
const WatchdogExitCode = 124

// Watchdog force-exits the whole process when the global timeout elapses.
// It runs outside the scheduler's phase machine: no in-flight category,
// output writer or artifact writer can delay it.
type Watchdog struct {
	timeout time.Duration
	logger  log.Logger
	exit    func(code int)
	timer   *time.Timer
}

// NewWatchdog ...
func NewWatchdog(timeout time.Duration, logger log.Logger, exit func(code int)) *Watchdog {
	return &Watchdog{
		timeout: timeout,
		logger:  logger,
		exit:    exit,
	}
}

// Arm starts the wall clock.
func (w *Watchdog) Arm() {
	w.timer = time.AfterFunc(w.timeout, func() {
		w.logger.Errorf("Global timeout of %s exceeded, aborting", w.timeout)
		w.exit(WatchdogExitCode)
	})
}

// Stop disarms a watchdog that has not fired yet.
func (w *Watchdog) Stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}
