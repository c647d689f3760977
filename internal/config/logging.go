package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries wire-level
// payloads: full model requests and responses, raw tool results. The
// value -8 matches the convention other slog users apply for trace.
//
// Trace output includes user conversation text, so enable it only when
// diagnosing model or tool-service behavior.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts the log_level config string to an
// [slog.Level]. Matching is case-insensitive and trims whitespace; the
// empty string selects Info. Unknown values return an error.
//
//	trace          wire payloads (model and tool traffic)
//	debug          per-step loop detail
//	info           normal operation (default)
//	warn, warning  degraded behavior only
//	error          failures only
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames is an [slog.HandlerOptions.ReplaceAttr] function
// that renders [LevelTrace] as "TRACE". slog itself would print the
// custom level as "DEBUG-4". Every handler in the program is built with
// this installed.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
