package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var prefix atomic.Value // string

func init() { prefix.Store("leased") }

// SetPrefix sets the process title printed at the start of every line. Each
// privsep role sets its own, e.g. "leased-bpf-arp".
func SetPrefix(p string) { prefix.Store(p) }

// Prefix returns the process title.
func Prefix() string { return prefix.Load().(string) }

// ConsoleHandler writes records as
//
//	leased-bpf-arp[4242]: [info] capture: msg key=value
//
// with an optional RFC 3339 time in front.
type ConsoleHandler struct {
	level      slog.Leveler
	out        io.Writer
	mu         *sync.Mutex
	component  string
	attrs      []byte
	timestamps bool
}

// NewConsoleHandler creates a ConsoleHandler. opts may be nil.
func NewConsoleHandler(out io.Writer, opts *slog.HandlerOptions) *ConsoleHandler {
	h := &ConsoleHandler{level: slog.LevelInfo, out: out, mu: &sync.Mutex{}}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

// Enabled implements slog.Handler.
func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	if h.timestamps {
		t := r.Time
		if t.IsZero() {
			t = time.Now()
		}
		buf = t.AppendFormat(buf, time.RFC3339)
		buf = append(buf, ' ')
	}
	buf = append(buf, Prefix()...)
	buf = append(buf, '[')
	buf = strconv.AppendInt(buf, int64(os.Getpid()), 10)
	buf = append(buf, "]: ["...)
	buf = append(buf, strings.ToLower(r.Level.String())...)
	buf = append(buf, "] "...)

	component := h.component
	var tail []byte
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return true
		}
		tail = appendAttr(tail, a)
		return true
	})
	if component != "" {
		buf = append(buf, strings.ToLower(component)...)
		buf = append(buf, ": "...)
	}
	buf = append(buf, r.Message...)
	buf = append(buf, h.attrs...)
	buf = append(buf, tail...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	val := a.Value.Resolve().String()
	buf = append(buf, ' ')
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	if val == "" || strings.ContainsAny(val, " \t\n\"=") {
		return strconv.AppendQuote(buf, val)
	}
	return append(buf, val...)
}

// WithAttrs implements slog.Handler. Bound attributes are rendered once.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "component" {
			c.component = a.Value.String()
			continue
		}
		c.attrs = appendAttr(c.attrs, a)
	}
	return &c
}

// WithGroup implements slog.Handler; output is flat.
func (h *ConsoleHandler) WithGroup(string) slog.Handler { return h }
