package logger

import (
	"context"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
)

// AsyncHandler buffers records in a channel and writes them from a single
// background goroutine, so the logging call site never blocks on output I/O.
type AsyncHandler struct {
	next       slog.Handler
	records    chan asyncRecord
	dropOnFull bool
}

type asyncRecord struct {
	ctx    context.Context
	record slog.Record
}

// NewAsyncHandler wraps next with a buffered async writer.
// If dropOnFull is true, records are dropped once the buffer is saturated
// (logging must never backpressure the hot path); if false, Handle blocks.
func NewAsyncHandler(next slog.Handler, bufferSize int, dropOnFull bool) *AsyncHandler {
	if bufferSize <= 0 {
		bufferSize = 4096
	}
	h := &AsyncHandler{
		next:       next,
		records:    make(chan asyncRecord, bufferSize),
		dropOnFull: dropOnFull,
	}
	go h.drain()
	return h
}

func (h *AsyncHandler) drain() {
	for ar := range h.records {
		_ = h.next.Handle(ar.ctx, ar.record)
	}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *AsyncHandler) Handle(ctx context.Context, r slog.Record) error {
	// Clone: the record's attr backing array is only valid during this call.
	ar := asyncRecord{ctx: ctx, record: r.Clone()}

	if h.dropOnFull {
		select {
		case h.records <- ar:
		default:
			// Buffer full. Dropping is the contract here.
		}
		return nil
	}

	h.records <- ar
	return nil
}

// WithAttrs and WithGroup start a fresh buffer and drain goroutine: the
// parent's drain writes to the parent's wrapped handler, which would lose
// the derived attrs/group if the channel were shared.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewAsyncHandler(h.next.WithAttrs(attrs), cap(h.records), h.dropOnFull)
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return NewAsyncHandler(h.next.WithGroup(name), cap(h.records), h.dropOnFull)
}

// RedactHandler masks PII in attribute values before they reach output:
// email addresses, card-number-shaped digit runs, and any value whose key
// is one of sensitiveKeys (whole key, case-insensitive). Attributes nested
// inside groups are passed through unredacted.
type RedactHandler struct {
	next slog.Handler
}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
)

// Keys whose values are always masked wholesale, regardless of content.
var sensitiveKeys = map[string]bool{
	"password": true,
	"passwd":   true,
	"secret":   true,
	"token":    true,
	"api_key":  true,
	"apikey":   true,
}

func NewRedactHandler(next slog.Handler) *RedactHandler {
	return &RedactHandler{next: next}
}

func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		s := a.Value.String()
		// Cheap pre-check before running the regexes: most values contain
		// neither an '@' nor a digit run long enough to be a card number.
		if strings.ContainsRune(s, '@') {
			s = emailPattern.ReplaceAllString(s, "[REDACTED_EMAIL]")
		}
		if strings.ContainsAny(s, "0123456789") {
			s = cardPattern.ReplaceAllString(s, "[REDACTED_PAN]")
		}
		return slog.String(a.Key, s)
	}
	return a
}

func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cleaned := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		cleaned[i] = redactAttr(a)
	}
	return &RedactHandler{next: h.next.WithAttrs(cleaned)}
}

func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{next: h.next.WithGroup(name)}
}

// SamplingHandler probabilistically drops records below Warn. Warnings and
// errors always pass: sampling exists to cut Info/Debug volume, not to lose
// the records you page on.
type SamplingHandler struct {
	next slog.Handler
	rate float64
}

func NewSamplingHandler(next slog.Handler, rate float64) *SamplingHandler {
	return &SamplingHandler{next: next, rate: rate}
}

func (h *SamplingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SamplingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level < slog.LevelWarn && rand.Float64() >= h.rate {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *SamplingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SamplingHandler{next: h.next.WithAttrs(attrs), rate: h.rate}
}

func (h *SamplingHandler) WithGroup(name string) slog.Handler {
	return &SamplingHandler{next: h.next.WithGroup(name), rate: h.rate}
}
