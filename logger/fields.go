package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging across the scheduler.
const (
	// Identity
	FieldJobID        = "job_id"
	FieldJobName      = "job_name"
	FieldTenantID     = "tenant_id"
	FieldFiringID     = "firing_id"
	FieldHandler      = "handler"
	FieldDescriptorID = "descriptor_id"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError          = "error"
	FieldOriginalError  = "original_error"
	FieldRetryNumber    = "retry_number"
	FieldAttempt        = "attempt"
	FieldIncidentSource = "incident_source"

	// Status
	FieldState  = "state"
	FieldStatus = "status"
	FieldCount  = "count"

	// Files
	FieldFile = "file"
	FieldPath = "path"
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	firingIDKey  contextKey = "logger_firing_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job name (the executor's handle) to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithFiringID adds the id of the current firing to the context for logging
func WithFiringID(ctx context.Context, firingID string) context.Context {
	return context.WithValue(ctx, firingIDKey, firingID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// tenantFromContext is set by the tenant package so the logger does not import it.
var tenantFromContext func(ctx context.Context) string

// RegisterTenantLookup installs the function used to add tenant_id to context fields.
func RegisterTenantLookup(fn func(ctx context.Context) string) {
	tenantFromContext = fn
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if tenantFromContext != nil {
		if tenantID := tenantFromContext(ctx); tenantID != "" {
			fields = append(fields, FieldTenantID, tenantID)
		}
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if firingID, ok := ctx.Value(firingIDKey).(string); ok && firingID != "" {
		fields = append(fields, FieldFiringID, firingID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns the global logger decorated with the context fields.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	return WithContext(Logger, ctx)
}

// WithContext decorates base with the fields carried on ctx.
func WithContext(base *zap.SugaredLogger, ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	func NewRecorder(store *Store) *Recorder {
//	    return &Recorder{logger: logger.ComponentLogger("schedule.recorder")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
