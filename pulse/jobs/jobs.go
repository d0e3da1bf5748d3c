// Package jobs holds the built-in job kinds.
package jobs

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/internal/httpclient"
	"github.com/teranos/jobkeeper/logger"
	"github.com/teranos/jobkeeper/pulse/schedule"
	"github.com/teranos/jobkeeper/pulse/txn"
)

// Handler names of the built-in kinds.
const (
	HandlerLog     = "log"
	HandlerSQL     = "sql"
	HandlerWebhook = "webhook"
)

// Register adds the built-in kinds to registry.
// A nil client gets the default guarded client.
func Register(registry *schedule.Registry, tm *txn.Manager, client *httpclient.Client, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if client == nil {
		client = httpclient.New(httpclient.Options{})
	}
	registry.Register(HandlerLog, func() schedule.Job { return &LogJob{logger: log} })
	registry.Register(HandlerSQL, func() schedule.Job { return &SQLJob{tm: tm} })
	registry.Register(HandlerWebhook, func() schedule.Job { return &WebhookJob{client: client, logger: log} })
}

// LogJob writes its message attribute to the log. With fail=true it returns
// the message as an error instead, which is handy for exercising failure logs.
type LogJob struct {
	Message string
	Fail    bool

	logger *zap.SugaredLogger
}

func (j *LogJob) SetAttributes(attrs map[string]string) error {
	j.Message = attrs["message"]
	if v, ok := attrs["fail"]; ok {
		fail, err := strconv.ParseBool(v)
		if err != nil {
			return errors.WithHint(errors.Wrapf(err, "attribute fail=%q", v), "use true or false")
		}
		j.Fail = fail
	}
	return nil
}

func (j *LogJob) Execute(ctx context.Context) error {
	if j.Fail {
		return errors.Newf("log job failed: %s", j.Message)
	}
	logger.WithContext(j.logger, ctx).Infow(j.Message)
	return nil
}

func (j *LogJob) Name() string        { return HandlerLog }
func (j *LogJob) Description() string { return "writes a message to the log" }

// SQLJob runs its statement attribute in the firing's transaction. The write
// is buffered and flushed before the job counts as succeeded, so a failing
// statement rolls back with the rest of the firing.
type SQLJob struct {
	Statement string

	tm *txn.Manager
}

func (j *SQLJob) SetAttributes(attrs map[string]string) error {
	j.Statement = strings.TrimSpace(attrs["statement"])
	if j.Statement == "" {
		return errors.NewInvalidRequestError("sql job needs a statement attribute")
	}
	return nil
}

func (j *SQLJob) Execute(ctx context.Context) error {
	statement := j.Statement
	return j.tm.Defer(ctx, func(ctx context.Context, conn txn.DBTX) error {
		_, err := conn.ExecContext(ctx, statement)
		return errors.Wrap(err, "execute statement")
	})
}

func (j *SQLJob) Name() string        { return HandlerSQL }
func (j *SQLJob) Description() string { return "executes a SQL statement in the job transaction" }
