package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	console "github.com/phsym/console-slog"
)

// NewLogger arma el logger del proceso: JSON a stdout, o consola con
// colores cuando ENV=development.
func NewLogger(level string) *slog.Logger {
	return newLogger(os.Stdout, level, os.Getenv("ENV") == "development")
}

func newLogger(w io.Writer, level string, dev bool) *slog.Logger {
	lvl := ParseLevel(level)
	var handler slog.Handler
	if dev {
		handler = console.NewHandler(w, &console.HandlerOptions{
			AddSource: true,
			Level:     lvl,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: lvl,
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					a.Key = "ts"
				}
				return a
			},
		})
	}
	return slog.New(handler).With("app", "avl-svr")
}

func ParseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
