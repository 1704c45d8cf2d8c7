package netsvc

import (
	"log"
	"sync/atomic"
)

var verbose atomic.Bool

// SetVerbose enables Debugf output.
func SetVerbose(v bool) { verbose.Store(v) }

func Debugf(format string, args ...any) {
	if verbose.Load() {
		log.Printf(format, args...)
	}
}
