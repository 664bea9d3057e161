package landmark

import (
	"io"
	"log"
)

var diagLogger *log.Logger

// SetLogWriter configures the diagnostic stream for the landmark package.
// Pass nil to disable it.
func SetLogWriter(diag io.Writer) {
	if diag == nil {
		diagLogger = nil
		return
	}
	diagLogger = log.New(diag, "[landmark] ", log.LstdFlags|log.Lmicroseconds)
}

// diagf logs to the diag stream (skipped features, snapshot summaries).
func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}
