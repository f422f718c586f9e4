package runtime

import (
	"log/slog"
	"os"
	"strings"

	"github.com/md-rashed-zaman/tenancy/libs/config"
)

// NewLogger returns a JSON logger tagged with service. LOG_LEVEL selects the
// level (debug, info, warn, error); anything else means info.
func NewLogger(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: ParseLevel(config.String("LOG_LEVEL", "info")),
	})
	return slog.New(h).With("service", service)
}

func ParseLevel(v string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
