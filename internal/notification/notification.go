/*
Copyright 2024 Mextic Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mextic/recargas-sub003/config"
	"github.com/mextic/recargas-sub003/internal/cache"
	"github.com/mextic/recargas-sub003/internal/request"
)

// Priority levels for alerts.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Alert is the payload delivered to every configured channel. Delivery is
// fire-and-forget: the engine never depends on the result.
type Alert struct {
	Priority string                 `json:"priority"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Service  string                 `json:"service"`
	Category string                 `json:"category"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// dedupKey collapses repeats of the same alert inside the configured
// window so a flapping provider does not page on every cycle.
func (a Alert) dedupKey() string {
	return fmt.Sprintf("alert:%s:%s:%s", a.Service, a.Category, a.Title)
}

// Notifier delivers alerts to Slack and a generic webhook, de-duplicated
// through the shared cache.
type Notifier struct {
	dedup cache.Cache
}

func NewNotifier(dedup cache.Cache) *Notifier {
	return &Notifier{dedup: dedup}
}

// SendAlert delivers the alert asynchronously. Duplicate alerts inside
// the de-dup window are dropped after logging.
func (n *Notifier) SendAlert(alert Alert) {
	go func() {
		logrus.WithFields(logrus.Fields{
			"priority": alert.Priority,
			"service":  alert.Service,
			"category": alert.Category,
		}).Error(alert.Title + ": " + alert.Message)

		conf, err := config.Fetch()
		if err != nil {
			log.Println(err)
			return
		}

		if n.dedup != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			seen, err := n.dedup.Exists(ctx, alert.dedupKey())
			if err == nil && seen {
				logrus.Debugf("alert %s suppressed, already sent within window", alert.dedupKey())
				return
			}
			if err := n.dedup.Set(ctx, alert.dedupKey(), true, conf.AlertDedupWindow()); err != nil {
				log.Println(err)
			}
		}

		if conf.Notification.Slack.WebhookUrl != "" {
			slackNotification(conf, alert)
		}
		if conf.Notification.Webhook.Url != "" {
			webhookNotification(conf, alert)
		}
	}()
}

// NotifyError reports a system error at high priority. Kept as the short
// path for fatal cycle failures.
func (n *Notifier) NotifyError(service string, systemError error) {
	n.SendAlert(Alert{
		Priority: PriorityHigh,
		Title:    "Recharge engine error",
		Message:  systemError.Error(),
		Service:  service,
		Category: "system",
	})
}

// slackNotification sends the alert as a Slack block payload.
func slackNotification(conf *config.Configuration, alert Alert) {
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "[%s] %s",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Service:*\n%s"
					},
					{
						"type": "mrkdwn",
						"text": "*Category:*\n%s"
					}
				]
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": "*Message:*\n%s"
					},
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%s"
					}
				]
			}
		]
	}`, alert.Priority, alert.Title, alert.Service, alert.Category, alert.Message, time.Now().Format(time.RFC822)))

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		log.Println(err)
		return
	}

	var response map[string]interface{}
	if _, err = request.Call(req, &response, 10*time.Second); err != nil {
		log.Println(err)
	}
}

// webhookNotification posts the raw alert to the configured webhook with
// any configured headers.
func webhookNotification(conf *config.Configuration, alert Alert) {
	payload, err := request.ToJsonReq(&alert)
	if err != nil {
		log.Println(err)
		return
	}

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println(err)
		return
	}
	for k, v := range conf.Notification.Webhook.Headers {
		req.Header.Set(k, v)
	}

	var response map[string]interface{}
	if _, err = request.Call(req, &response, 10*time.Second); err != nil {
		log.Println(err)
	}
}
