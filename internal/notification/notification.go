/*
Copyright 2024 Blnk Finance Authors.

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
	"fmt"
	"net/http"
	"time"

	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/jerry-enebeli/creditguard/internal/request"
	"github.com/sirupsen/logrus"
)

type slackText struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackMessage struct {
	Blocks []slackBlock `json:"blocks"`
}

func slackPayload(rec apierror.APIError, at time.Time) slackMessage {
	return slackMessage{Blocks: []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: "Error From CreditGuard 🐞", Emoji: true},
		},
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%s", rec.Message)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Code:*\n%s", rec.Code)},
			},
		},
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Kind:*\n%s", rec.Kind)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Severity:*\n%s", rec.Severity)},
			},
		},
		{
			Type:   "section",
			Fields: []slackText{{Type: "mrkdwn", Text: fmt.Sprintf("*Time:*\n%s", at.Format(time.RFC822))}},
		},
	}}
}

// SlackNotification posts the classified error to a Slack incoming webhook.
func SlackNotification(ctx context.Context, webhookURL string, err error) error {
	rec := apierror.Default.Record(err)

	payload, reqErr := request.ToJsonReq(slackPayload(rec, time.Now()))
	if reqErr != nil {
		return reqErr
	}

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, payload)
	if reqErr != nil {
		return reqErr
	}

	_, reqErr = request.Call(req, nil)
	return reqErr
}

// NotifyError logs systemError and, when a Slack webhook is configured,
// forwards it there. It never blocks the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		rec := apierror.Default.Record(systemError)
		logrus.WithFields(logrus.Fields{
			"code":     rec.Code,
			"kind":     rec.Kind,
			"severity": rec.Severity.String(),
		}).Error(systemError)

		conf, err := config.Fetch()
		if err != nil {
			logrus.Warn(err)
			return
		}

		if conf.Notification.Slack.WebhookUrl == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := SlackNotification(ctx, conf.Notification.Slack.WebhookUrl, systemError); err != nil {
			logrus.WithError(err).Warn("failed to deliver slack notification")
		}
	}(systemError)
}
