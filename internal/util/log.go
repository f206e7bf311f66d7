package util

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/time/rate"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DefaultThrottleInterval is how often a throttled message may repeat.
const DefaultThrottleInterval = 5 * time.Second

// Throttle lets one message of a recurring kind through per interval.
// Suppressed occurrences are counted and reported with the next one.
type Throttle struct {
	sometimes  rate.Sometimes
	suppressed atomic.Int64
}

// NewThrottle returns a Throttle that fires at most once per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{sometimes: rate.Sometimes{First: 1, Interval: interval}}
}

// Warn logs a warning if the interval has elapsed since the last one.
func (t *Throttle) Warn(format string, args ...interface{}) {
	fired := false
	t.sometimes.Do(func() {
		fired = true
		msg := fmt.Sprintf(format, args...)
		if n := t.suppressed.Swap(0); n > 0 {
			msg = fmt.Sprintf("%s (%d similar suppressed)", msg, n)
		}
		pterm.DefaultLogger.Warn(msg)
	})
	if !fired {
		t.suppressed.Add(1)
	}
}
