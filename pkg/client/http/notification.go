package httpclient

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/instill-ai/docflow-backend/pkg/notification"

	logx "github.com/instill-ai/x/log"
)

const (
	reqTimeout    = time.Second * 10
	maxRetryCount = 3
	retryDelay    = 200 * time.Millisecond
)

// NotificationClient posts pipeline events to the notification channel of
// the API server.
type NotificationClient struct {
	*resty.Client
}

// NewNotificationClient returns an initialized notification HTTP client.
// The endpoint is given on each call, as every job carries its own callback
// URL.
func NewNotificationClient(ctx context.Context) *NotificationClient {
	l, _ := logx.GetZapLogger(ctx)

	r := resty.New().
		SetLogger(l.Sugar()).
		SetTimeout(reqTimeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(maxRetryCount).
		SetRetryWaitTime(retryDelay).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return err != nil || resp.StatusCode() >= 500
		})

	return &NotificationClient{Client: r}
}

// Send implements notification.Sender. A non-2xx answer is an error: the
// event hasn't been accepted.
func (c *NotificationClient) Send(ctx context.Context, callbackURL string, ev notification.Event) error {
	resp, err := c.R().SetContext(ctx).SetBody(ev).Post(callbackURL)
	if err != nil {
		return fmt.Errorf("couldn't connect with notification channel: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notification channel rejected %s event: %s %s", ev.Type, resp.Status(), resp.String())
	}

	logger, _ := logx.GetZapLogger(ctx)
	logger.Debug("Notification sent",
		zap.String("type", string(ev.Type)),
		zap.String("url", callbackURL))

	return nil
}
