package broker

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry configures the process-wide sentry-go hub the worker pool
// reports recovered panics to. It is optional: every sentry.Capture* call
// elsewhere in the package is safe to make even if this is never called,
// since an unconfigured hub just drops the event.
func InitSentry(dsn, environment string) error {
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
}

// FlushSentry blocks up to timeout for any buffered events to be sent, for
// use during graceful shutdown.
func FlushSentry(timeout time.Duration) bool {
	return sentry.Flush(timeout)
}
