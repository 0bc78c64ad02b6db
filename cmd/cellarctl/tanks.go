package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var tankHeaders = []string{"ID", "Name", "Kind", "Capacity (L)", "Status", "Current Lot"}

func tankRow(t map[string]any) []string {
	return []string{field(t, "id"), field(t, "name"), field(t, "kind"),
		field(t, "capacityLiters"), field(t, "status"), field(t, "currentLotId")}
}

func newTanksCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tanks",
		Short: "Manage fermentation, conditioning and bright tanks",
	}
	cmd.AddCommand(newTanksListCmd(c))
	cmd.AddCommand(newTanksGetCmd(c))
	cmd.AddCommand(newTanksCreateCmd(c))
	cmd.AddCommand(newTanksSetStatusCmd(c))
	return cmd
}

func newTanksListCmd(c *cli) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tanks",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/tanks"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			resp, err := c.client.call(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, t := range objects(resp, "tanks") {
				rows = append(rows, tankRow(t))
			}
			return c.render(resp, tankHeaders, rows)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (AVAILABLE, IN_USE, NEEDS_CIP, MAINTENANCE)")
	return cmd
}

func newTanksGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get TANK_ID",
		Short: "Show one tank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodGet, "/api/v1/tanks/"+url.PathEscape(args[0]), nil)
			if err != nil {
				return err
			}
			return c.render(resp, tankHeaders, [][]string{tankRow(resp)})
		},
	}
}

func newTanksCreateCmd(c *cli) *cobra.Command {
	var (
		name     string
		kind     string
		capacity float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a tank",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPost, "/api/v1/tanks", map[string]any{
				"name":           name,
				"kind":           kind,
				"capacityLiters": capacity,
			})
			if err != nil {
				return err
			}
			return c.render(resp, tankHeaders, [][]string{tankRow(resp)})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Tank name (required)")
	cmd.Flags().StringVar(&kind, "kind", "fermenter", "Tank kind")
	cmd.Flags().Float64Var(&capacity, "capacity", 0, "Capacity in liters (required)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("capacity")
	return cmd
}

func newTanksSetStatusCmd(c *cli) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "set-status TANK_ID STATUS",
		Short: "Override a tank's status after cleaning or maintenance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPatch, "/api/v1/tanks/"+url.PathEscape(args[0])+"/status", map[string]any{
				"status": args[1],
				"notes":  notes,
			})
			if err != nil {
				return err
			}
			return c.render(resp, tankHeaders, [][]string{tankRow(resp)})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Reason for the override")
	return cmd
}
