// Package dispatch is the outbound message sink. The engine hands it at
// most one text per transition after the transition has been persisted;
// delivery failures are logged, never retried here.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultTimeout = 5 * time.Second

// Sender delivers one outbound text to an applicant's channel identity.
type Sender interface {
	Send(ctx context.Context, channelIdentity, text string) error
}

// LogSender writes outbound messages to the log. Used in dev and tests.
type LogSender struct {
	Logger *zap.Logger
}

func (s LogSender) Send(_ context.Context, channelIdentity, text string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("outbound message",
		zap.String("channel_identity", channelIdentity),
		zap.String("text", text),
	)
	return nil
}

// HTTPSender posts outbound messages to a channel adapter's callback URL.
type HTTPSender struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewHTTPSender(url, secret string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPSender{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: timeout},
	}
}

type outboundMessage struct {
	ChannelIdentity string `json:"channel_identity"`
	Text            string `json:"text"`
}

func (s *HTTPSender) Send(ctx context.Context, channelIdentity, text string) error {
	data, err := json.Marshal(outboundMessage{ChannelIdentity: channelIdentity, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Hireline-Secret", s.Secret)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
