package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds operation-scoped logging context as a bundle moves
// through admission, storage, dispatch, or custody handling.
type LogContext struct {
	BundleUUID string    // bundle-uuid string form
	CustodyID  uint64    // custody id, 0 if non-custodial
	FinalDest  string    // final-destination endpoint
	Link       string    // link/destination name for admission/dispatch
	StartTime  time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if absent.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext with the current time as start.
func NewLogContext(bundleUUID string) *LogContext {
	return &LogContext{
		BundleUUID: bundleUUID,
		StartTime:  time.Now(),
	}
}

// Clone returns a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithCustody returns a copy with the custody id set.
func (lc *LogContext) WithCustody(id uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.CustodyID = id
	}
	return clone
}

// WithDest returns a copy with the final destination set.
func (lc *LogContext) WithDest(dest string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.FinalDest = dest
	}
	return clone
}

// WithLink returns a copy with the link name set.
func (lc *LogContext) WithLink(link string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Link = link
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
