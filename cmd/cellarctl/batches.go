package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	batchHeaders = []string{"ID", "Number", "Status", "Volume (L)", "Last Tank"}
	lotHeaders   = []string{"ID", "Code", "Status", "Phase", "Volume (L)", "Assignment"}
)

func batchRow(b map[string]any) []string {
	return []string{field(b, "id"), field(b, "batchNumber"), field(b, "status"),
		field(b, "volumeLiters"), field(b, "lastTankId")}
}

func lotRow(l map[string]any) []string {
	return []string{field(l, "id"), field(l, "code"), field(l, "status"),
		field(l, "phase"), field(l, "volumeLiters"), field(l, "activeAssignmentId")}
}

func batchPath(id, action string) string {
	p := "/api/v1/batches/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func newBatchesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "batches",
		Aliases: []string{"batch"},
		Short:   "Plan, brew, assign, package and complete batches",
	}
	cmd.AddCommand(newBatchesCreateCmd(c))
	cmd.AddCommand(newBatchesGetCmd(c))
	cmd.AddCommand(newBatchesBrewCmd(c))
	cmd.AddCommand(newBatchesAssignCmd(c))
	cmd.AddCommand(newBatchesPackageCmd(c))
	cmd.AddCommand(newBatchesCompleteCmd(c))
	cmd.AddCommand(newBatchesTimelineCmd(c))
	return cmd
}

func newBatchesCreateCmd(c *cli) *cobra.Command {
	var (
		number string
		recipe string
		volume float64
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Plan a batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPost, "/api/v1/batches", map[string]any{
				"batchNumber":  number,
				"recipeRef":    recipe,
				"volumeLiters": volume,
				"notes":        notes,
			})
			if err != nil {
				return err
			}
			return c.render(resp, batchHeaders, [][]string{batchRow(resp)})
		},
	}
	cmd.Flags().StringVar(&number, "number", "", "Batch number (required)")
	cmd.Flags().StringVar(&recipe, "recipe", "", "Recipe reference")
	cmd.Flags().Float64Var(&volume, "volume", 0, "Batch volume in liters")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes")
	_ = cmd.MarkFlagRequired("number")
	return cmd
}

func newBatchesGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get BATCH_ID",
		Short: "Show a batch and its lots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodGet, batchPath(args[0], ""), nil)
			if err != nil {
				return err
			}
			if c.settings.Output != outputTable {
				return c.render(resp, nil, nil)
			}
			if err := printTable(c.out, batchHeaders, [][]string{batchRow(object(resp, "batch"))}); err != nil {
				return err
			}
			fmt.Fprintln(c.out)
			var rows [][]string
			for _, l := range objects(resp, "lots") {
				rows = append(rows, lotRow(l))
			}
			return printTable(c.out, lotHeaders, rows)
		},
	}
}

func newBatchesBrewCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "brew BATCH_ID",
		Short: "Mark a planned batch as brewing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPost, batchPath(args[0], "brew"), map[string]any{})
			if err != nil {
				return err
			}
			return c.render(resp, batchHeaders, [][]string{batchRow(object(resp, "batch"))})
		},
	}
}

func newBatchesAssignCmd(c *cli) *cobra.Command {
	var (
		tank   string
		phase  string
		start  string
		end    string
		volume float64
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "assign BATCH_ID",
		Short: "Book a batch into its first tank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := windowBody(start, end)
			if err != nil {
				return err
			}
			body["tankId"] = tank
			body["phase"] = phase
			body["plannedVolumeLiters"] = volume
			body["notes"] = notes
			resp, err := c.client.call(http.MethodPost, batchPath(args[0], "assign"), body)
			if err != nil {
				return err
			}
			return c.render(resp, assignmentHeaders, [][]string{assignmentRow(object(resp, "assignment"))})
		},
	}
	addAssignmentFlags(cmd, &tank, &phase, &start, &end, &volume, &notes)
	return cmd
}

func newBatchesPackageCmd(c *cli) *cobra.Command {
	var (
		packageType string
		quantity    int
		notes       string
	)
	cmd := &cobra.Command{
		Use:   "package BATCH_ID",
		Short: "Move every open lot of a batch into packaging",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPost, batchPath(args[0], "package"), map[string]any{
				"packageType": packageType,
				"quantity":    quantity,
				"notes":       notes,
			})
			if err != nil {
				return err
			}
			row := append(batchRow(object(resp, "batch")), field(resp, "blendedBatchesUpdated"))
			return c.render(resp, append(batchHeaders, "Blended Updated"), [][]string{row})
		},
	}
	cmd.Flags().StringVar(&packageType, "type", "", "Package type, e.g. keg or can (required)")
	cmd.Flags().IntVar(&quantity, "quantity", 0, "Units packaged")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newBatchesCompleteCmd(c *cli) *cobra.Command {
	var (
		lot   string
		notes string
	)
	cmd := &cobra.Command{
		Use:   "complete BATCH_ID",
		Short: "Complete one lot of a batch, or all of its open lots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPost, batchPath(args[0], "complete"), map[string]any{
				"lotId": lot,
				"notes": notes,
			})
			if err != nil {
				return err
			}
			remaining := strconv.Itoa(len(objects(resp, "remainingLots")))
			row := append(batchRow(object(resp, "batch")), field(resp, "lotCompleted"), remaining)
			return c.render(resp, append(batchHeaders, "Lot Completed", "Remaining Lots"), [][]string{row})
		},
	}
	cmd.Flags().StringVar(&lot, "lot", "", "Complete only this lot")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes appended to the batch")
	return cmd
}

func newBatchesTimelineCmd(c *cli) *cobra.Command {
	var (
		pageSize  int
		pageToken string
	)
	cmd := &cobra.Command{
		Use:   "timeline BATCH_ID",
		Short: "Show a batch's event history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if pageSize > 0 {
				q.Set("pageSize", strconv.Itoa(pageSize))
			}
			if pageToken != "" {
				q.Set("pageToken", pageToken)
			}
			path := batchPath(args[0], "timeline")
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			resp, err := c.client.call(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, ev := range objects(resp, "events") {
				rows = append(rows, []string{field(ev, "occurredAt"), field(ev, "type"),
					field(ev, "actor"), field(ev, "lotId"), field(ev, "message")})
			}
			if err := c.render(resp, []string{"When", "Type", "Actor", "Lot", "Message"}, rows); err != nil {
				return err
			}
			if tok := field(resp, "nextPageToken"); c.settings.Output == outputTable && tok != "-" {
				fmt.Fprintf(c.out, "\nnext page: --page-token %s\n", tok)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Events per page (server default when 0)")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "Token from a previous page")
	return cmd
}
