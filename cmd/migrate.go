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

	"github.com/jerry-enebeli/creditguard"
	"github.com/jerry-enebeli/creditguard/database"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
)

const migrationSchema = "creditguard"

func migrationSource() migrate.EmbedFileSystemMigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: creditguard.SQLFiles,
		Root:       "sql",
	}
}

func migrateCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply or roll back the account store schema",
	}

	cmd.AddCommand(migrateCommand(a, "up", migrate.Up))
	cmd.AddCommand(migrateCommand(a, "down", migrate.Down))

	return cmd
}

func migrateCommand(a *app, use string, direction migrate.MigrationDirection) *cobra.Command {
	return &cobra.Command{
		Use: use,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := database.ConnectDB(a.cnf.DataSource.Dns)
			if err != nil {
				return fmt.Errorf("error connecting to database: %w", err)
			}
			defer db.Close()

			// the migration table lives in the schema, so it has to exist first
			if _, err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + migrationSchema); err != nil {
				return fmt.Errorf("error creating schema: %w", err)
			}
			migrate.SetSchema(migrationSchema)

			n, err := migrate.Exec(db, "postgres", migrationSource(), direction)
			if err != nil {
				return fmt.Errorf("error migrating %s: %w", use, err)
			}
			if direction == migrate.Up {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migrations!\n", n)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migrations!\n", n)
			}
			return nil
		},
	}
}
