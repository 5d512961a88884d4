package logstore

import (
	"strings"

	"github.com/convolog/convolog/errs"
)

// Level orders log severities from least to most severe.
type Level int

const (
	// LevelDebug marks verbose diagnostic entries.
	LevelDebug Level = iota
	// LevelInfo marks routine operational entries.
	LevelInfo
	// LevelWarning marks recoverable anomalies.
	LevelWarning
	// LevelError marks failures that need attention.
	LevelError
	// LevelCritical marks failures that threaten the process.
	LevelCritical
)

var levelNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelCritical {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel resolves a case-insensitive level name. "WARN" is accepted as
// an alias for WARNING.
func ParseLevel(name string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	case "CRITICAL":
		return LevelCritical, nil
	default:
		return LevelInfo, errs.New("logstore", errs.CodeInvalid,
			errs.WithMessage("unknown log level: "+name))
	}
}

// MarshalJSON renders the level as its upper-case name, matching the shape
// persisted by the store adapters and the fallback sink.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

// UnmarshalJSON parses a quoted level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	parsed, err := ParseLevel(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalText supports yaml/text configuration values.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
