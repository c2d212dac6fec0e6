// Package slogtest provides a slog handler that writes through a test's Log so
// that output is attributed to the right test when running in parallel.
package slogtest

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
)

// NewLogger returns a slog text logger that writes to tb.Log.
func NewLogger(tb testing.TB, opts *slog.HandlerOptions) *slog.Logger {
	tb.Helper()

	var buf bytes.Buffer

	return slog.New(&testHandler{
		buf:   &buf,
		inner: slog.NewTextHandler(&buf, opts),
		mu:    &sync.Mutex{},
		tb:    tb,
	})
}

type testHandler struct {
	buf   *bytes.Buffer
	inner slog.Handler
	mu    *sync.Mutex
	tb    testing.TB
}

func (h *testHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *testHandler) Handle(ctx context.Context, rec slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buf.Reset()
	if err := h.inner.Handle(ctx, rec); err != nil {
		return err
	}

	h.tb.Helper()
	h.tb.Log(string(bytes.TrimSuffix(h.buf.Bytes(), []byte("\n"))))

	return nil
}

func (h *testHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &testHandler{buf: h.buf, inner: h.inner.WithAttrs(attrs), mu: h.mu, tb: h.tb}
}

func (h *testHandler) WithGroup(name string) slog.Handler {
	return &testHandler{buf: h.buf, inner: h.inner.WithGroup(name), mu: h.mu, tb: h.tb}
}
