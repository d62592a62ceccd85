// Package log provides slog logger constructors and value helpers used by the engine.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

// Format selects the log output handler.
type Format string

const (
	// FormatConsole is a human-friendly single-line console output.
	FormatConsole Format = "console"
	// FormatDev is a verbose multi-line developer output.
	FormatDev Format = "dev"
	// FormatJSON is a structured JSON output.
	FormatJSON Format = "json"
)

const redacted = "[REDACTED]"

func redact(slog.Value) slog.Value { return slog.StringValue(redacted) }

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
	slogformatter.FormatByKey("password", redact),
	slogformatter.FormatByKey("token", redact),
	slogformatter.FormatByKey("authorization", redact),
	slogformatter.FormatByType(func(u *url.URL) slog.Value {
		if u == nil {
			return slog.StringValue("<nil>")
		}
		return slog.StringValue(u.Redacted())
	}),
)

// New creates a logger writing to w with the given format and level.
// If w is nil, the [os.Stdout] is used.
func New(w io.Writer, format Format, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	if level == nil {
		level = slog.LevelInfo
	}

	var h slog.Handler
	switch Format(strings.ToLower(string(format))) {
	case FormatDev:
		h = devslog.NewHandler(w, &devslog.Options{
			HandlerOptions: &slog.HandlerOptions{
				AddSource: true,
				Level:     level,
			},
			SortKeys:   true,
			TimeFormat: time.RFC3339Nano,
		})
	case FormatJSON:
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		h = console.NewHandler(w, &console.HandlerOptions{
			AddSource:  true,
			Level:      level,
			TimeFormat: time.RFC3339Nano,
		})
	}
	return slog.New(newHandler(h))
}

// ParseLevel converts a level name (debug, info, warn, error) to [slog.Level].
// Unknown names resolve to [slog.LevelInfo].
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

var noop = slog.New(noopHandler{})

// Noop returns a logger that discards everything.
func Noop() *slog.Logger { return noop }

var def atomic.Pointer[slog.Logger]

func init() {
	def.Store(New(os.Stderr, FormatConsole, slog.LevelWarn))
}

// Default returns the package default logger.
func Default() *slog.Logger { return def.Load() }

// SetDefault replaces the package default logger.
// Passing nil installs [Noop].
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = noop
	}
	def.Store(l)
}

type fmtValue struct {
	v        any
	goSyntax bool
}

func (v fmtValue) LogValue() slog.Value {
	if v.goSyntax {
		return slog.StringValue(fmt.Sprintf("%#v", v.v))
	}
	return slog.StringValue(fmt.Sprintf("%+v", v.v))
}

// FmtValue returns a value logger that formats values using '%+v' or '%#v' syntax.
func FmtValue(v any, goSyntax bool) slog.LogValuer { return fmtValue{v, goSyntax} }

type bytesValue struct {
	b   []byte
	max int
}

func (v bytesValue) LogValue() slog.Value {
	if v.max > 0 && len(v.b) > v.max {
		return slog.StringValue(fmt.Sprintf("%s... (%d bytes)", v.b[:v.max], len(v.b)))
	}
	return slog.StringValue(string(v.b))
}

// BytesValue returns a value logger that prints a body as text truncated to max bytes.
// A non-positive max disables truncation.
func BytesValue(b []byte, max int) slog.LogValuer { return bytesValue{b, max} }
