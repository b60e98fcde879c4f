package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// FCMDispatcher posts data messages to an FCM HTTP v1 style endpoint. Each
// user is addressed through the topic "user-<id>".
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Message struct {
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	} `json:"message"`
}

func (f *FCMDispatcher) Push(ctx context.Context, userID, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode push payload")
	}
	var body fcmMessage
	body.Message.Topic = "user-" + userID
	body.Message.Data = map[string]string{"event": event, "payload": string(raw)}
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "encode push message")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "push to %s", userID)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Newf("push to %s: status %d", userID, resp.StatusCode)
	}
	return nil
}
