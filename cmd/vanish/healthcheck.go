package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var healthURL string

// healthcheckCmd is meant for container HEALTHCHECK lines: exit status only.
var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe the local server's /health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		url := healthURL
		if url == "" {
			port := os.Getenv("PORT")
			if port == "" {
				port = "8080"
			}
			url = "http://127.0.0.1:" + port + "/health"
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "health probe")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("unhealthy: status %d", resp.StatusCode)
		}
		return nil
	},
}

func init() {
	healthcheckCmd.Flags().StringVar(&healthURL, "url", "", "health endpoint (default http://127.0.0.1:$PORT/health)")
}
