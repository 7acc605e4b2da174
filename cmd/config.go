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

package main

import (
	"encoding/json"
	"fmt"

	"github.com/jerry-enebeli/creditguard/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

// redactConfig returns a copy of cnf that is safe to print.
func redactConfig(cnf config.Configuration) config.Configuration {
	if cnf.Server.SecretKey != "" {
		cnf.Server.SecretKey = redacted
	}
	if cnf.Notification.Slack.WebhookUrl != "" {
		cnf.Notification.Slack.WebhookUrl = redacted
	}
	return cnf
}

func configCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(redactConfig(*a.cnf), "", "    ")
			if err != nil {
				return fmt.Errorf("error printing config: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
	return cmd
}
