// Package observe carries the logging and metrics handle that every
// persistence component receives at construction.
package observe

import (
	"fmt"
	"sync"

	logs "github.com/danmuck/smplog"
)

// Logger is the logging surface used by the persistence components.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(err error, format string, args ...any)
}

// Handle bundles the logger and metrics sinks for one service instance.
// Start and Stop bracket the service lifetime; metrics sinks that need
// registration are registered on Start and released on Stop.
type Handle struct {
	Log     Logger
	Metrics Metrics

	mu      sync.Mutex
	started bool
}

// lifecycle is implemented by metrics sinks that own registered collectors.
type lifecycle interface {
	Register() error
	Unregister()
}

// NewHandle returns a handle; nil arguments fall back to discarding sinks.
func NewHandle(log Logger, m Metrics) *Handle {
	if log == nil {
		log = Discard
	}
	if m == nil {
		m = NoopMetrics{}
	}
	return &Handle{Log: log, Metrics: m}
}

// Nop returns a handle that drops everything. Used by tests.
func Nop() *Handle {
	return NewHandle(Discard, NoopMetrics{})
}

// Start registers metrics collectors. Calling Start twice is a no-op.
func (h *Handle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	if lc, ok := h.Metrics.(lifecycle); ok {
		if err := lc.Register(); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	h.started = true
	return nil
}

// Stop releases what Start registered.
func (h *Handle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return
	}
	if lc, ok := h.Metrics.(lifecycle); ok {
		lc.Unregister()
	}
	h.started = false
}

// Smplog returns a Logger backed by the process-wide smplog configuration.
// prefix, when set, is prepended to every message (e.g. "editlog: ").
func Smplog(prefix string) Logger {
	return smplogLogger{prefix: prefix}
}

type smplogLogger struct {
	prefix string
}

func (l smplogLogger) Debugf(format string, args ...any) { logs.Debugf(l.prefix+format, args...) }
func (l smplogLogger) Infof(format string, args ...any)  { logs.Infof(l.prefix+format, args...) }
func (l smplogLogger) Warnf(format string, args ...any)  { logs.Warnf(l.prefix+format, args...) }
func (l smplogLogger) Errorf(err error, format string, args ...any) {
	logs.Errorf(err, l.prefix+format, args...)
}

// Discard drops every message.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Debugf(string, ...any)        {}
func (discardLogger) Infof(string, ...any)         {}
func (discardLogger) Warnf(string, ...any)         {}
func (discardLogger) Errorf(error, string, ...any) {}
