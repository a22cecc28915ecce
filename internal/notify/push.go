package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushSink posts notifications to an FCM-style HTTP endpoint.
type PushSink struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewPushSink(endpoint, token string) *PushSink {
	return &PushSink{Endpoint: endpoint, Token: token, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushSink) Notify(ctx context.Context, n Notification) error {
	body := map[string]any{"message": map[string]any{
		"topic":        "user-" + n.UserID,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         map[string]any{"type": n.Type, "payload": n.Data},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
