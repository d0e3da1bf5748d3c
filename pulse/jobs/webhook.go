package jobs

import (
	"context"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/internal/httpclient"
	"github.com/teranos/jobkeeper/internal/util"
	"github.com/teranos/jobkeeper/logger"
)

// headerPrefix marks attributes sent as request headers, e.g. header.Authorization.
const headerPrefix = "header."

// maxErrorBody bounds how much of a failed response ends up in the job log.
const maxErrorBody = 512

// WebhookJob calls an HTTP endpoint. Any non-2xx response fails the firing.
// Attributes: url (required), method (default POST), body, header.<Name>.
type WebhookJob struct {
	URL     string
	Method  string
	Body    string
	Headers map[string]string

	client *httpclient.Client
	logger *zap.SugaredLogger
}

func (j *WebhookJob) SetAttributes(attrs map[string]string) error {
	j.URL = strings.TrimSpace(attrs["url"])
	if j.URL == "" {
		return errors.NewInvalidRequestError("webhook job needs a url attribute")
	}
	j.Method = strings.ToUpper(strings.TrimSpace(attrs["method"]))
	if j.Method == "" {
		j.Method = http.MethodPost
	}
	j.Body = attrs["body"]
	j.Headers = make(map[string]string)
	for k, v := range attrs {
		if name, ok := strings.CutPrefix(k, headerPrefix); ok && name != "" {
			j.Headers[name] = v
		}
	}
	return nil
}

func (j *WebhookJob) Execute(ctx context.Context) error {
	req, err := j.client.NewRequest(ctx, j.Method, j.URL, j.Body)
	if err != nil {
		return err
	}
	for name, value := range j.Headers {
		req.Header.Set(name, value)
	}
	if j.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))
		return errors.Newf("webhook %s %s returned %s: %s",
			j.Method, req.URL.Redacted(), resp.Status, util.Truncate(strings.TrimSpace(string(snippet)), maxErrorBody, "..."))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	logger.WithContext(j.logger, ctx).Debugw("Webhook delivered",
		"method", j.Method,
		"url", req.URL.Redacted(),
		logger.FieldStatus, resp.StatusCode)
	return nil
}

func (j *WebhookJob) Name() string        { return HandlerWebhook }
func (j *WebhookJob) Description() string { return "calls an HTTP endpoint" }
