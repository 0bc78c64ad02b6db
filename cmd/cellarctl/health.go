package main

import (
	"net/http"

	"github.com/spf13/cobra"
)

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health and readiness",
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := c.client.call(http.MethodGet, "/healthz", nil)
			if err != nil {
				return err
			}

			// The server may still be migrating; readiness failures are reported,
			// not returned.
			ready, err := c.client.call(http.MethodGet, "/readyz", nil)
			if err != nil {
				ready = map[string]any{"status": "unknown", "error": err.Error()}
			}

			combined := map[string]any{"health": health, "readiness": ready}
			rows := [][]string{
				{"Liveness", field(health, "status")},
				{"Uptime", field(health, "uptime")},
				{"Readiness", field(ready, "status")},
			}
			return c.render(combined, []string{"Check", "Status"}, rows)
		},
	}
}
