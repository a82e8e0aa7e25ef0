package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/org/templatetrust/internal/api"
	"github.com/org/templatetrust/internal/auth"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the trust query API for discovery tools",
		Long: "Serve the trust query API. Requests authenticate with a bearer token from\n" +
			"server.api_token or TEMPLATETRUST_API_TOKEN; without one a token is\n" +
			"generated and printed once. The service never prompts.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				session.cfg.Server.ListenAddr = addr
			}
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			token := session.cfg.Server.APIToken
			if token == "" {
				if token, err = auth.GenerateToken(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "API token (shown once): %s\n", token)
			}
			tokens, err := auth.NewTokenVerifier(token)
			if err != nil {
				return err
			}
			srv := api.NewServer(a.Guard, a.Audit, tokens, a.Metrics, api.Config{
				ListenAddr:  session.cfg.Server.ListenAddr,
				TLSCertFile: session.cfg.Server.TLSCertFile,
				TLSKeyFile:  session.cfg.Server.TLSKeyFile,
			})

			errc := make(chan error, 1)
			go func() { errc <- srv.Start() }()
			log.Info().Str("addr", session.cfg.Server.ListenAddr).Msg("trust query API started")

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			log.Info().Msg("shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from server.listen_addr)")
	return cmd
}
