package telemetry

import (
	"fmt"
	"log/slog"

	"github.com/posthog/posthog-go"
)

var _ posthog.Logger = logger{}

// logger forwards PostHog client messages to slog at debug level, so
// delivery problems only show up with --verbose.
type logger struct{}

func (logger) Debugf(format string, args ...any) { forward("debug", format, args...) }
func (logger) Logf(format string, args ...any)   { forward("info", format, args...) }
func (logger) Warnf(format string, args ...any)  { forward("warn", format, args...) }
func (logger) Errorf(format string, args ...any) { forward("error", format, args...) }

func forward(level, format string, args ...any) {
	slog.Debug("posthog: "+fmt.Sprintf(format, args...), "level", level)
}
