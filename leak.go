package pktmem

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ClassLeak is the number of packets of one pool class still outstanding at Close.
type ClassLeak struct {
	Pool        string
	Outstanding int
}

// LeakError reports packets that were not released before Close returned.
type LeakError struct {
	Leaks []ClassLeak
}

func (e *LeakError) Error() string {
	var b strings.Builder
	b.WriteString(ErrLeak.Error())
	b.WriteString(":")
	for i, l := range e.Leaks {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, " %d %s", l.Outstanding, l.Pool)
	}
	return b.String()
}

func (e *LeakError) Unwrap() error {
	return ErrLeak
}

// awaitRelease polls outstanding until it reports nothing or the configured retries run
// out. Remaining leaks are logged and returned as a *LeakError. It never waits longer
// than DeinitRetries*DeinitInterval.
func awaitRelease(config Config, logger *slog.Logger, outstanding func() []ClassLeak) error {
	leaks := outstanding()
	for i := 0; i < config.DeinitRetries && len(leaks) > 0; i++ {
		time.Sleep(config.DeinitInterval)
		leaks = outstanding()
	}
	if len(leaks) == 0 {
		return nil
	}
	for _, l := range leaks {
		logger.Warn("Potential memory leak at deinit", "pool", l.Pool, "outstanding", l.Outstanding)
	}
	return &LeakError{Leaks: leaks}
}
