package tunnel

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type logKey struct{}

// WithLog returns a context carrying entry.
func WithLog(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctx, logKey{}, entry)
}

// Log returns the per-connection entry stored in ctx, or a bare entry on
// the standard logger.
func Log(ctx context.Context) *logrus.Entry {
	if e, ok := ctx.Value(logKey{}).(*logrus.Entry); ok {
		return e
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// connID is a short random id used to correlate the log lines of one
// connection.
func connID() string {
	return uuid.NewString()[:8]
}
