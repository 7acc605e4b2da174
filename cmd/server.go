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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/jerry-enebeli/creditguard"
	"github.com/jerry-enebeli/creditguard/api"
	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/database"
	"github.com/jerry-enebeli/creditguard/internal/notification"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

// newServer builds the HTTP server. With SSL enabled, certificates are
// obtained and renewed by CertMagic.
func newServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	server := &http.Server{
		Addr:              ":" + conf.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if !conf.SSL {
		return server, nil
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		logrus.Warn("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}
	server.TLSConfig = cfg.TLSConfig()
	return server, nil
}

func serve(server *http.Server) error {
	var err error
	if server.TLSConfig != nil {
		logrus.Infof("Starting HTTPS server on %s", server.Addr)
		err = server.ListenAndServeTLS("", "")
	} else {
		logrus.Infof("Starting server on http://localhost%s", server.Addr)
		err = server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func serverCommands(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start creditguard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			db, err := database.NewDataSource(a.cnf)
			if err != nil {
				notification.NotifyError(err)
				return fmt.Errorf("error getting datasource: %w", err)
			}
			defer db.Close()

			guard, err := creditguard.NewGuard(db, a.cnf)
			if err != nil {
				return fmt.Errorf("error creating guard: %w", err)
			}
			defer func() {
				if err := guard.Close(); err != nil {
					logrus.WithError(err).Warn("error closing guard")
				}
			}()
			guard.Start(ctx)

			server, err := newServer(ctx, api.NewAPI(guard, db, a.cnf).Router(), a.cnf.Server)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- serve(server)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logrus.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	return cmd
}
