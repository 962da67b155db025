// Package logging builds the structured loggers used across the emulated
// session. Lines are written in logfmt through log/slog and, when writing to a
// terminal, coloured according to the emulated core that produced them.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// CoreKey is the attribute key that selects a line's colour.
const CoreKey = "core"

// Colour per emulated core. Core 0 and lines without a core are printed in
// the default colour.
var coreColors = [...]string{
	1: "\x1b[32m", // green
	2: "\x1b[33m", // yellow
	3: "\x1b[34m", // blue
}

const colorReset = "\x1b[0m"

// ColorMode selects when output is coloured.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// ParseColorMode parses auto, always or never. The empty string is auto.
func ParseColorMode(s string) (ColorMode, error) {
	switch m := ColorMode(strings.ToLower(s)); m {
	case "":
		return ColorAuto, nil
	case ColorAuto, ColorAlways, ColorNever:
		return m, nil
	default:
		return "", fmt.Errorf("logging: unknown color mode %q", s)
	}
}

// ParseLevel parses a slog level name such as "debug" or "warn+2".
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging: %w", err)
	}
	return level, nil
}

// New returns a logger writing to w.
func New(w io.Writer, level slog.Leveler, color bool) *slog.Logger {
	return slog.New(NewHandler(w, level, color))
}

// NewTerminal returns a logger writing to f. In ColorAuto mode, colour is
// used only when f is a terminal. The writer translates escape sequences on
// consoles that need it.
func NewTerminal(f *os.File, level slog.Leveler, mode ColorMode) *slog.Logger {
	color := false
	switch mode {
	case ColorAlways:
		color = true
	case ColorAuto, "":
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	var w io.Writer = f
	if color {
		w = colorable.NewColorable(f)
	}
	return New(w, level, color)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Handler is a slog.Handler producing logfmt lines, optionally coloured by
// the core attribute.
type Handler struct {
	out   *output
	inner slog.Handler
	color bool
	core  int
}

// Shared between a handler and everything derived from it with WithAttrs and
// WithGroup, so lines from different cores never interleave.
type output struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

// NewHandler returns a handler writing to w.
func NewHandler(w io.Writer, level slog.Leveler, color bool) *Handler {
	out := &output{w: w}
	return &Handler{
		out:   out,
		inner: slog.NewTextHandler(&out.buf, &slog.HandlerOptions{Level: level}),
		color: color,
		core:  -1,
	}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	core := h.core
	r.Attrs(func(a slog.Attr) bool {
		if c, ok := coreOf(a); ok {
			core = c
			return false
		}
		return true
	})

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := h.out.buf.Bytes()
	if h.color && core > 0 && core < len(coreColors) {
		line = bytes.TrimSuffix(line, []byte("\n"))
		_, err := fmt.Fprintf(h.out.w, "%s%s%s\n", coreColors[core], line, colorReset)
		return err
	}
	_, err := h.out.w.Write(line)
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.inner = h.inner.WithAttrs(attrs)
	for _, a := range attrs {
		if c, ok := coreOf(a); ok {
			h2.core = c
		}
	}
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	h2 := *h
	h2.inner = h.inner.WithGroup(name)
	return &h2
}

func coreOf(a slog.Attr) (int, bool) {
	if a.Key != CoreKey {
		return 0, false
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindInt64:
		return int(v.Int64()), true
	case slog.KindUint64:
		return int(v.Uint64()), true
	}
	return 0, false
}
