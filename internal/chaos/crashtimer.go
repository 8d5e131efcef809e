// Package chaos implements the provider's one piece of deliberately
// destructive infrastructure: a detached crash-timer goroutine that
// detonates the process after a configured delay, for exercising clients'
// handling of an abrupt provider exit. It is the spec's third long-lived
// concurrency actor (see spec.md §5), and is only ever created when
// --crash-after is passed on the command line.
package chaos

import (
	"sync"
	"time"

	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/logging"
)

// ExitCode is the status code a detonating CrashTimer passes to its exit
// function, matching spec.md §6's chaos-timer detonation code.
const ExitCode = 42

// exitFunc is overridden in tests so a detonation doesn't kill the test
// binary.
type exitFunc func(code int)

// CrashTimer is a detached timer, modeled on the same
// start/stop-with-status idiom as internal/process.Manager: after Delay has
// elapsed it logs and calls Exit(ExitCode), unless Stop is called first.
type CrashTimer struct {
	delay time.Duration
	log   *logging.Logger
	exit  exitFunc

	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewCrashTimer constructs a timer that will detonate after delay once
// Start is called. A non-positive delay disables chaos entirely: Start is
// then a no-op, matching the CLI's "no --crash-after given" default.
func NewCrashTimer(delay time.Duration, log *logging.Logger) *CrashTimer {
	return &CrashTimer{
		delay:  delay,
		log:    log,
		exit:   defaultExit,
		stopCh: make(chan struct{}),
	}
}

func defaultExit(code int) { osExit(code) }

// Start arms the timer. Safe to call once; a second call is a no-op.
func (c *CrashTimer) Start() {
	if c.delay <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		return
	}
	c.log.Warn("crash timer armed", "delay", c.delay)
	c.timer = time.AfterFunc(c.delay, c.detonate)
}

func (c *CrashTimer) detonate() {
	select {
	case <-c.stopCh:
		return // disarmed between the timer firing and this goroutine running
	default:
	}
	c.log.Error("crash timer detonated, exiting", "code", ExitCode)
	c.exit(ExitCode)
}

// Stop disarms the timer. Always safe to call, including before Start or
// more than once.
func (c *CrashTimer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
}
