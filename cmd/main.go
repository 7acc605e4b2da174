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
	"fmt"
	"os"

	"github.com/jerry-enebeli/creditguard/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CreditGuard is the command-line application.
type CreditGuard struct {
	cmd *cobra.Command
}

// app carries what preRun loaded to the subcommands.
type app struct {
	configFile string
	cnf        *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration before any subcommand runs.
func preRun(a *app) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(a.configFile); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}
		a.cnf = cnf
		return nil
	}
}

func NewCLI() *CreditGuard {
	a := &app{}

	var rootCmd = &cobra.Command{
		Use:           "creditguard",
		Short:         "Credit metering and rate limiting for paid APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run:           func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&a.configFile, "config", "./creditguard.json", "Configuration file for creditguard")
	rootCmd.PersistentPreRunE = preRun(a)

	rootCmd.AddCommand(serverCommands(a))
	rootCmd.AddCommand(migrateCommands(a))
	rootCmd.AddCommand(configCommands(a))

	return &CreditGuard{cmd: rootCmd}
}

func (c CreditGuard) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
