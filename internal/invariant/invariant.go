// Package invariant reports broken internal invariants. Production builds log
// and let the caller self-heal; builds tagged claimwatch_debug panic instead.
package invariant

import (
	"fmt"
	"log"
)

// Violation reports a broken invariant. The caller is expected to repair its
// state after Violation returns.
func Violation(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if strict {
		panic("invariant: " + msg)
	}
	log.Printf("[invariant] %s", msg)
}
