package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medseal/medseal/internal/platform/auth"
)

// breakGlassContextKey is the unexported type used for break-glass context
// values to avoid collisions with other packages.
type breakGlassContextKey string

const (
	breakGlassKey       breakGlassContextKey = "break_glass"
	breakGlassReasonKey breakGlassContextKey = "break_glass_reason"
)

// EmergencyAccess describes one break-glass override for the ledger.
type EmergencyAccess struct {
	Subject   string
	Reason    string
	Path      string
	Method    string
	IPAddress string
	UserAgent string
}

// EmergencyRecorder persists break-glass overrides. The server wires this to
// the audit ledger so every override leaves a chained EMERGENCY_ACCESS entry.
type EmergencyRecorder interface {
	RecordEmergencyAccess(ctx context.Context, access EmergencyAccess) error
}

// EmergencyRecorderFunc is a function adapter for EmergencyRecorder.
type EmergencyRecorderFunc func(ctx context.Context, access EmergencyAccess) error

func (f EmergencyRecorderFunc) RecordEmergencyAccess(ctx context.Context, access EmergencyAccess) error {
	return f(ctx, access)
}

// breakGlassRateLimit tracks per-user request counts within a rolling window.
type breakGlassRateLimit struct {
	mu      sync.Mutex
	entries map[string][]time.Time // subject -> request timestamps
}

func newBreakGlassRateLimit() *breakGlassRateLimit {
	return &breakGlassRateLimit{
		entries: make(map[string][]time.Time),
	}
}

// allow checks whether the subject is under the break-glass rate limit. It
// keeps only timestamps within the last hour and enforces a maximum of
// maxPerHour requests. The caller supplies the current time so that tests
// can inject a deterministic clock.
func (rl *breakGlassRateLimit) allow(subject string, now time.Time, maxPerHour int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)

	existing := rl.entries[subject]
	pruned := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= maxPerHour {
		rl.entries[subject] = pruned
		return false
	}

	rl.entries[subject] = append(pruned, now)
	return true
}

// cleanup removes all entries older than one hour, called periodically from
// a background goroutine to prevent unbounded memory growth.
func (rl *breakGlassRateLimit) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := now.Add(-1 * time.Hour)
	for subject, timestamps := range rl.entries {
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts.After(cutoff) {
				pruned = append(pruned, ts)
			}
		}
		if len(pruned) == 0 {
			delete(rl.entries, subject)
		} else {
			rl.entries[subject] = pruned
		}
	}
}

const (
	breakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

// BreakGlass returns middleware implementing the emergency break-glass
// override for record access. When a request carries the X-Break-Glass
// header with a non-empty reason, the middleware verifies the actor is
// authenticated, enforces a per-actor rate limit, elevates the request to
// admin so downstream role checks pass, and records the override on the
// audit ledger. It must run after the authentication middleware.
func BreakGlass(logger zerolog.Logger, recorder EmergencyRecorder) echo.MiddlewareFunc {
	rl := newBreakGlassRateLimit()

	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for range ticker.C {
			rl.cleanup(time.Now())
		}
	}()

	return breakGlassMiddleware(logger, recorder, rl, time.Now)
}

// breakGlassMiddleware is the internal constructor that accepts a clock and
// a pre-built rate limiter for testing determinism.
func breakGlassMiddleware(logger zerolog.Logger, recorder EmergencyRecorder,
	rl *breakGlassRateLimit, nowFn func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			reason := strings.TrimSpace(req.Header.Get("X-Break-Glass"))
			if reason == "" {
				return next(c)
			}

			ctx := req.Context()
			subject := auth.SubjectFromContext(ctx)
			if subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}

			now := nowFn()
			if !rl.allow(subject, now, breakGlassMaxPerHour) {
				return echo.NewHTTPError(http.StatusTooManyRequests,
					"break-glass rate limit exceeded: maximum 10 requests per user per hour")
			}

			// Elevate to admin so downstream role checks pass.
			roles := auth.RolesFromContext(ctx)
			hasAdmin := false
			for _, r := range roles {
				if r == "admin" {
					hasAdmin = true
					break
				}
			}
			if !hasAdmin {
				roles = append(roles, "admin")
			}

			ctx = context.WithValue(ctx, breakGlassKey, true)
			ctx = context.WithValue(ctx, breakGlassReasonKey, reason)
			ctx = auth.ContextWithRoles(ctx, roles)
			c.SetRequest(req.WithContext(ctx))

			access := EmergencyAccess{
				Subject:   subject,
				Reason:    reason,
				Path:      req.URL.Path,
				Method:    req.Method,
				IPAddress: c.RealIP(),
				UserAgent: req.UserAgent(),
			}
			if recorder != nil {
				if err := recorder.RecordEmergencyAccess(ctx, access); err != nil {
					// An override that cannot be recorded must not proceed.
					logger.Error().Err(err).Str("subject", subject).
						Msg("break-glass override could not be recorded")
					return echo.NewHTTPError(http.StatusInternalServerError,
						"emergency access could not be recorded")
				}
			}

			logger.Warn().
				Str("type", "break_glass").
				Str("subject", subject).
				Str("break_glass_reason", reason).
				Str("path", access.Path).
				Str("method", access.Method).
				Str("remote_ip", access.IPAddress).
				Time("timestamp", now).
				Msg("break_glass_override")

			return next(c)
		}
	}
}

// IsBreakGlass returns true if the request is a break-glass override.
func IsBreakGlass(ctx context.Context) bool {
	v, _ := ctx.Value(breakGlassKey).(bool)
	return v
}

// BreakGlassReason returns the reason string provided in the X-Break-Glass
// header, or an empty string if break-glass was not invoked.
func BreakGlassReason(ctx context.Context) string {
	v, _ := ctx.Value(breakGlassReasonKey).(string)
	return v
}
