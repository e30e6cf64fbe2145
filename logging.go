package evengine

import (
	"fmt"
	"io"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// NewJSONLogger returns a logger writing JSON lines to w, suitable for
// WithLogger.
func NewJSONLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

var logLevels = [...]logiface.Level{
	logiface.LevelDisabled,
	logiface.LevelEmergency,
	logiface.LevelAlert,
	logiface.LevelCritical,
	logiface.LevelError,
	logiface.LevelWarning,
	logiface.LevelNotice,
	logiface.LevelInformational,
	logiface.LevelDebug,
	logiface.LevelTrace,
}

// ParseLogLevel maps a level name, as produced by logiface.Level.String, to
// the level. Matching is case-insensitive, and "error" and "warn" are
// accepted as aliases.
func ParseLogLevel(s string) (logiface.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "error":
		return logiface.LevelError, nil
	case "warn":
		return logiface.LevelWarning, nil
	}
	for _, level := range logLevels {
		if level.String() == s {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("evengine: unknown log level %q", s)
}

// logPanic records a recovered callback panic, rate limited per callback.
func (s *Source) logPanic(category any, r any) {
	if _, ok := s.limiter.Allow(category); !ok {
		return
	}
	s.logger.Err().
		Str(`panic`, fmt.Sprint(r)).
		Str(`backend`, s.kind.String()).
		Log(`evengine: recovered callback panic`)
}
