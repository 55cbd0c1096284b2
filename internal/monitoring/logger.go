package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level ops logger (actionable warnings and faults). It
// defaults to log.Printf but may be replaced by SetLogger. Tests or
// production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the ops logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

var (
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the diag and trace streams. Both are disabled
// until configured; pass nil for either writer to disable it again.
func SetLogWriters(diag, trace io.Writer) {
	diagLogger = newLogger("[estimator] ", diag)
	traceLogger = newLogger("[estimator] ", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream (faults, budget overruns, lost estimates).
func Opsf(format string, args ...interface{}) {
	Logf(format, args...)
}

// Diagf logs to the diag stream (warm-up, tuning context).
func Diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// TraceEnabled reports whether the trace stream has a writer. Hot paths check
// it before building Tracef arguments.
func TraceEnabled() bool {
	return traceLogger != nil
}

// Tracef logs to the trace stream (per-cycle telemetry).
func Tracef(format string, args ...interface{}) {
	if traceLogger != nil {
		traceLogger.Printf(format, args...)
	}
}
