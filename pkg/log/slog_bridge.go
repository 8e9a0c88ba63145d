package log

import (
	"context"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// entryHandler is the slog.Handler behind BaseLogger. It turns records into
// Entries and hands them to the logger's formatter and outputs.
type entryHandler struct {
	logger  *BaseLogger
	prefix  string
	bound   Fields
	redact  map[string]bool
	sampler *sampler
}

func newEntryHandler(logger *BaseLogger) *entryHandler {
	return &entryHandler{logger: logger, bound: Fields{}}
}

func (h *entryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.logger.level.v
}

func (h *entryHandler) put(fields Fields, a slog.Attr) {
	key := h.prefix + a.Key
	if h.redact[a.Key] {
		fields[key] = "[REDACTED]"
		return
	}
	fields[key] = a.Value.Resolve().Any()
}

func (h *entryHandler) Handle(_ context.Context, r slog.Record) error {
	if h.sampler != nil && !h.sampler.allow(r.Level, r.Message) {
		return nil
	}
	fields := make(Fields, len(h.bound)+r.NumAttrs())
	for k, v := range h.bound {
		fields[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		h.put(fields, a)
		return true
	})

	entry := &Entry{
		Level:     fromSlogLevel(r.Level),
		Message:   r.Message,
		Fields:    fields,
		Timestamp: r.Time,
		Caller:    callerOf(r.PC),
	}
	if e, ok := fields[ErrorKey].(error); ok {
		entry.Error = e
	}
	b, err := h.logger.formatter.Format(entry)
	if err != nil {
		return err
	}
	for _, out := range h.logger.outputs {
		_ = out.Write(entry, b)
	}
	return nil
}

// callerOf resolves pc, or walks past the logger frames when the record has
// none.
func callerOf(pc uintptr) string {
	if pc == 0 {
		_, file, line, ok := runtime.Caller(5)
		if !ok {
			return ""
		}
		return file + ":" + strconv.Itoa(line)
	}
	f, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if f.File == "" {
		return ""
	}
	return f.File + ":" + strconv.Itoa(f.Line)
}

func (h *entryHandler) clone() *entryHandler {
	nh := *h
	nh.bound = make(Fields, len(h.bound))
	for k, v := range h.bound {
		nh.bound[k] = v
	}
	return &nh
}

func (h *entryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		nh.put(nh.bound, a)
	}
	return nh
}

// WithGroup qualifies later keys as "name.key".
func (h *entryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.prefix = h.prefix + name + "."
	return nh
}

func (h *entryHandler) withRedactions(keys []string) *entryHandler {
	if len(keys) == 0 {
		return h
	}
	nh := h.clone()
	nh.redact = make(map[string]bool, len(keys))
	for _, k := range keys {
		nh.redact[k] = true
	}
	for k := range nh.bound {
		if nh.redact[k] {
			nh.bound[k] = "[REDACTED]"
		}
	}
	return nh
}

func (h *entryHandler) withSampler(initial, thereafter int) *entryHandler {
	if thereafter <= 0 {
		return h
	}
	nh := h.clone()
	nh.sampler = newSampler(initial, thereafter)
	return nh
}

// sampler keeps the first `initial` entries of each level+message and then
// every `thereafter`-th one.
type sampler struct {
	initial    uint64
	thereafter uint64
	counts     sync.Map // string -> *atomic.Uint64
}

func newSampler(initial, thereafter int) *sampler {
	s := &sampler{thereafter: 1}
	if initial > 0 {
		s.initial = uint64(initial)
	}
	if thereafter > 0 {
		s.thereafter = uint64(thereafter)
	}
	return s
}

func (s *sampler) allow(level slog.Level, message string) bool {
	key := level.String() + "|" + message
	c, ok := s.counts.Load(key)
	if !ok {
		c, _ = s.counts.LoadOrStore(key, new(atomic.Uint64))
	}
	n := c.(*atomic.Uint64).Add(1) - 1
	return n < s.initial || (n-s.initial)%s.thereafter == 0
}

var slogLevels = map[Level]slog.Level{
	DebugLevel: slog.LevelDebug,
	InfoLevel:  slog.LevelInfo,
	WarnLevel:  slog.LevelWarn,
	ErrorLevel: slog.LevelError,
	FatalLevel: slog.LevelError + 4,
}

func toSlogLevel(level Level) slog.Level {
	if l, ok := slogLevels[level]; ok {
		return l
	}
	return slog.LevelInfo
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level < slog.LevelInfo:
		return DebugLevel
	case level < slog.LevelWarn:
		return InfoLevel
	case level < slog.LevelError:
		return WarnLevel
	case level < slog.LevelError+4:
		return ErrorLevel
	}
	return FatalLevel
}

func fieldAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func mapAttrs(m Fields) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(m))
	for k, v := range m {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

// pairAttrs reads printf-style trailing args as key/value pairs. Values
// without a string key are named argN.
func pairAttrs(args []interface{}) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2+1)
	for i := 0; i < len(args); i += 2 {
		if i+1 == len(args) {
			attrs = append(attrs, slog.Any("arg"+strconv.Itoa(i), args[i]))
			break
		}
		key, ok := args[i].(string)
		if !ok {
			key = "arg" + strconv.Itoa(i)
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}
