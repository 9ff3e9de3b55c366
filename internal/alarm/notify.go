// Copyright 2024-2026 The GrepWise Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package alarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	zlog "github.com/rs/zerolog/log"
)

// Notifier delivers an alarm event to one destination kind.
type Notifier interface {
	Kind() string
	Send(ctx context.Context, event Event, destination string) error
}

// WebhookNotifier posts the event as JSON to the destination URL.
type WebhookNotifier struct {
	client *http.Client
}

func NewWebhookNotifier(client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{client: client}
}

func (n *WebhookNotifier) Kind() string { return "webhook" }

func (n *WebhookNotifier) Send(ctx context.Context, event Event, destination string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s returned %d", destination, resp.StatusCode)
	}
	return nil
}

// LogNotifier writes the event to the application log. The destination is
// carried as a label only.
type LogNotifier struct{}

func (LogNotifier) Kind() string { return "log" }

func (LogNotifier) Send(_ context.Context, event Event, destination string) error {
	zlog.Warn().
		Str("component", "alarm").
		Str("alarm", event.AlarmName).
		Str("destination", destination).
		Int("matchCount", event.MatchCount).
		Msg("Alarm triggered")
	return nil
}
