// Package incident is the out-of-band channel for failures that must not be
// returned to a caller, such as a job failure that could not be recorded.
package incident

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/logger"
)

// Incident describes an unrecoverable bookkeeping failure.
type Incident struct {
	Source       string // component that gave up, e.g. "failure-isolation"
	JobName      string
	DescriptorID int64
	FiringID     string
	Err          error // the bookkeeping failure
	Original     error // the job failure being recorded, if any
	Time         time.Time
}

// Sink receives incidents. Report must not block for long and must not fail.
type Sink interface {
	Report(ctx context.Context, tenantID string, inc Incident)
}

func fields(tenantID string, inc Incident) []interface{} {
	kv := []interface{}{
		logger.FieldTenantID, tenantID,
		logger.FieldIncidentSource, inc.Source,
		logger.FieldJobName, inc.JobName,
		logger.FieldDescriptorID, inc.DescriptorID,
		"occurred_at", inc.Time.UTC().Format(time.RFC3339Nano),
	}
	if inc.FiringID != "" {
		kv = append(kv, logger.FieldFiringID, inc.FiringID)
	}
	if inc.Err != nil {
		kv = append(kv, logger.FieldError, fmt.Sprintf("%+v", inc.Err))
	}
	if inc.Original != nil {
		kv = append(kv, logger.FieldOriginalError, fmt.Sprintf("%+v", inc.Original))
	}
	return kv
}

// LogSink reports incidents to a logger at error level.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink over logger (the global logger when nil).
func NewLogSink(l *zap.SugaredLogger) *LogSink {
	if l == nil {
		l = logger.ComponentLogger("incident")
	}
	return &LogSink{logger: l}
}

func (s *LogSink) Report(_ context.Context, tenantID string, inc Incident) {
	s.logger.Errorw("Incident", fields(tenantID, inc)...)
}

// MultiSink fans an incident out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Report(ctx context.Context, tenantID string, inc Incident) {
	for _, s := range m {
		s.Report(ctx, tenantID, inc)
	}
}

// Reported is one incident captured by MemorySink.
type Reported struct {
	TenantID string
	Incident Incident
}

// MemorySink keeps incidents in memory. Used by tests and the CLI's dry runs.
type MemorySink struct {
	mu        sync.Mutex
	incidents []Reported
}

func (s *MemorySink) Report(_ context.Context, tenantID string, inc Incident) {
	s.mu.Lock()
	s.incidents = append(s.incidents, Reported{TenantID: tenantID, Incident: inc})
	s.mu.Unlock()
}

// All returns a copy of the captured incidents.
func (s *MemorySink) All() []Reported {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reported, len(s.incidents))
	copy(out, s.incidents)
	return out
}
