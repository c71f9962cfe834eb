// Package alert reports faults that need operator attention.
package alert

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/gpulease/internal/metrics"
)

// Sink receives unexpected internal errors before they are returned to callers.
type Sink interface {
	Report(ctx context.Context, err error, fields map[string]any)
}

// LogSink writes alerts to the structured log and counts them.
type LogSink struct{}

// NewLogSink constructs a LogSink.
func NewLogSink() *LogSink { return &LogSink{} }

// Report logs err at error level with the supplied fields.
func (s *LogSink) Report(_ context.Context, err error, fields map[string]any) {
	if err == nil {
		return
	}
	source, _ := fields["source"].(string)
	if source == "" {
		source = "unknown"
	}
	metrics.AlertsTotal.WithLabelValues(source).Inc()
	log.WithFields(log.Fields(fields)).WithError(err).Error("alert: internal fault")
}

// Recorder keeps reported errors in memory.
type Recorder struct {
	mu     sync.Mutex
	errors []error
}

// Report stores err.
func (r *Recorder) Report(_ context.Context, err error, _ map[string]any) {
	if r == nil || err == nil {
		return
	}
	r.mu.Lock()
	r.errors = append(r.errors, err)
	r.mu.Unlock()
}

// Errors returns a copy of the reported errors.
func (r *Recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errors))
	copy(out, r.errors)
	return out
}
