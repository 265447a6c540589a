package logging

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New returns a go-kit logger writing leveled, timestamped key/value lines
// to os.Stderr, tagged with component (e.g. "coordinator", "lockshard-a").
func New(component string) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "component", component)
}

// Fatalf logs msg and its key/value args at the error level, then exits the
// process with status 1. A protocol violation aborts the process cleanly
// (never panics) so a supervisor observes a normal exit code and a
// replayed log on peers reproduces the same divergence.
func Fatalf(logger log.Logger, msg string, keyvals ...interface{}) {
	args := append([]interface{}{"msg", msg}, keyvals...)
	level.Error(logger).Log(args...)
	os.Exit(1)
}
