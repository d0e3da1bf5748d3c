package incident

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/teranos/jobkeeper/errors"
)

// FileConfig configures the rotated incident log.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// PerSecond limits incidents written per tenant; 0 disables limiting.
	PerSecond float64
	Burst     int
}

// FileSink writes incidents as JSON lines to a lumberjack-rotated file.
// A tenant that floods the log is rate limited; dropped incidents are counted
// and still reach the fallback logger at debug level.
type FileSink struct {
	out      *lumberjack.Logger
	log      *zap.Logger
	fallback *zap.SugaredLogger

	perSecond rate.Limit
	burst     int
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	dropped   atomic.Int64
}

// NewFileSink opens the incident log described by cfg.
func NewFileSink(cfg FileConfig, fallback *zap.SugaredLogger) (*FileSink, error) {
	if cfg.Path == "" {
		return nil, errors.NewInvalidRequestError("incident log path is empty")
	}
	if fallback == nil {
		fallback = zap.NewNop().Sugar()
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	out := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(out), zap.InfoLevel)

	limit := rate.Inf
	if cfg.PerSecond > 0 {
		limit = rate.Limit(cfg.PerSecond)
	}
	return &FileSink{
		out:       out,
		log:       zap.New(core),
		fallback:  fallback,
		perSecond: limit,
		burst:     cfg.Burst,
		limiters:  make(map[string]*rate.Limiter),
	}, nil
}

func (s *FileSink) limiter(tenantID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(s.perSecond, s.burst)
		s.limiters[tenantID] = l
	}
	return l
}

func (s *FileSink) Report(_ context.Context, tenantID string, inc Incident) {
	if !s.limiter(tenantID).Allow() {
		s.dropped.Add(1)
		s.fallback.Debugw("Incident rate limited", fields(tenantID, inc)...)
		return
	}
	s.log.Sugar().Errorw("Incident", fields(tenantID, inc)...)
}

// Dropped returns how many incidents were rate limited.
func (s *FileSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes and closes the incident log.
func (s *FileSink) Close() error {
	_ = s.log.Sync()
	return s.out.Close()
}
