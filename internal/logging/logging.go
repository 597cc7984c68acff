package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Format selects the handler used when constructing a logger.
type Format string

const (
	// FormatCLI renders records as a single terse line per record.
	FormatCLI Format = "cli"
	// FormatJSON renders records as JSON objects.
	FormatJSON Format = "json"
)

// ParseFormat maps a user supplied format name onto a Format.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCLI, "text":
		return FormatCLI, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want cli or json)", value)
	}
}

// ParseLevel maps a user supplied level name onto a slog level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", value)
	}
}

// New constructs a logger writing to w in the requested format.
// A nil level means slog.LevelInfo.
func New(format Format, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&lineHandler{state: &lineState{writer: w}, level: level})
}

// NewCLI constructs a logger emitting human-readable lines for terminal use.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(FormatCLI, w, level)
}

// NewJSON constructs a logger emitting structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(FormatJSON, w, level)
}

// Ensure returns logger, or the process default when logger is nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Component returns logger tagged with the given component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return Ensure(logger).With("component", name)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// lineState is shared between a handler and all of its derived handlers so
// that concurrent writers never interleave partial lines.
type lineState struct {
	mu     sync.Mutex
	writer io.Writer
}

type lineHandler struct {
	state  *lineState
	level  slog.Leveler
	prefix string
	groups []string
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}
	return level >= min
}

func (h *lineHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var line strings.Builder
	line.WriteString(strings.ToUpper(record.Level.String()))
	line.WriteByte(' ')
	line.WriteString(ts.UTC().Format(time.RFC3339))
	line.WriteString(" | ")
	line.WriteString(record.Message)
	line.WriteString(h.prefix)
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(&line, h.groups, attr)
		return true
	})
	line.WriteByte('\n')

	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	_, err := io.WriteString(h.state.writer, line.String())
	return err
}

// WithAttrs pre-renders attrs so repeated With chains stay cheap per record.
func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var rendered strings.Builder
	rendered.WriteString(h.prefix)
	for _, attr := range attrs {
		writeAttr(&rendered, h.groups, attr)
	}
	return &lineHandler{
		state:  h.state,
		level:  h.level,
		prefix: rendered.String(),
		groups: h.groups,
	}
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &lineHandler{
		state:  h.state,
		level:  h.level,
		prefix: h.prefix,
		groups: append(append([]string(nil), h.groups...), name),
	}
}

func writeAttr(b *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, member := range value.Group() {
			writeAttr(b, nested, member)
		}
		return
	}
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		s := value.String()
		if strings.ContainsAny(s, " \t\n\"=") {
			return strconv.Quote(s)
		}
		return s
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return strconv.Quote(err.Error())
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}
