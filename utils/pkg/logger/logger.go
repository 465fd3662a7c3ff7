package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// New returns a console logger writing colored output to stdout.
func New(verbose bool) *slog.Logger {
	return slog.New(newConsoleHandler(os.Stdout, level(verbose)))
}

// NewWithFile returns a logger that writes to the console and, in JSON form, to w.
// Records are written to both sinks; w receives debug records only when verbose is set.
func NewWithFile(verbose bool, w io.Writer) *slog.Logger {
	if w == nil {
		return New(verbose)
	}
	lvl := level(verbose)
	file := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(slogmulti.Fanout(newConsoleHandler(os.Stdout, lvl), file))
}

func level(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func newConsoleHandler(w io.Writer, lvl slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:       lvl,
		ReplaceAttr: replaceAttr,
	})
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		t := a.Value.Time().UTC()
		a.Value = slog.StringValue(formatRFC3339Millis(t))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
