// Package dontpanic runs functions with panic recovery. Recovered errors are
// reported to Sentry and logged, so a crashing background loop does not take
// the whole control plane process down with it.
package dontpanic

import (
	"fmt"

	sentry "github.com/getsentry/sentry-go"
	"gitlab.com/gitlab-org/configsvr/internal/log"
)

var logger = log.Default()

// Try runs fn and recovers from any panic. It returns false if fn panicked.
func Try(fn func()) bool { return catchAndLog(fn) }

// Go runs fn in its own goroutine with the same recovery as Try.
func Go(fn func()) { go Try(fn) }

func catchAndLog(fn func()) (normal bool) {
	normal = true

	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		normal = false

		err, ok := recovered.(error)
		if !ok {
			err = fmt.Errorf("%v", recovered)
		}

		entry := logger
		if id := sentry.CaptureException(err); id != nil && *id != "" {
			entry = entry.WithField("sentry_id", *id)
		}
		entry.WithError(err).Error("dontpanic: recovered from panic")
	}()

	fn()

	return normal
}
