package main

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var assignmentHeaders = []string{"ID", "Tank", "Lot", "Phase", "Status", "Planned Start", "Planned End"}

func assignmentRow(a map[string]any) []string {
	return []string{field(a, "id"), field(a, "tankId"), field(a, "lotId"), field(a, "phase"),
		field(a, "status"), field(a, "plannedStart"), field(a, "plannedEnd")}
}

func assignmentPath(id, action string) string {
	return "/api/v1/assignments/" + url.PathEscape(id) + "/" + action
}

func addAssignmentFlags(cmd *cobra.Command, tank, phase, start, end *string, volume *float64, notes *string) {
	cmd.Flags().StringVar(tank, "tank", "", "Tank id (required)")
	cmd.Flags().StringVar(phase, "phase", "FERMENTATION", "Phase: FERMENTATION, CONDITIONING, BRIGHT, PACKAGING")
	cmd.Flags().StringVar(start, "start", "", "Planned start, RFC3339 or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(end, "end", "", "Planned end, exclusive (required)")
	cmd.Flags().Float64Var(volume, "volume", 0, "Planned volume in liters (defaults to the lot volume)")
	cmd.Flags().StringVar(notes, "notes", "", "Notes")
	_ = cmd.MarkFlagRequired("tank")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
}

func newAssignmentsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "assignments",
		Aliases: []string{"assignment"},
		Short:   "Book lots into tanks and move them through phases",
	}
	cmd.AddCommand(newAssignmentsCreateCmd(c))
	cmd.AddCommand(newAssignmentsAdvanceCmd(c))
	cmd.AddCommand(newAssignmentsCloseCmd(c, "complete", "Complete an assignment and release its tank"))
	cmd.AddCommand(newAssignmentsCloseCmd(c, "cancel", "Cancel an assignment"))
	cmd.AddCommand(newAssignmentsTransferCmd(c))
	return cmd
}

func newAssignmentsCreateCmd(c *cli) *cobra.Command {
	var (
		lot, tank, phase, start, end, notes string
		volume                              float64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Book an existing lot into a tank",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := windowBody(start, end)
			if err != nil {
				return err
			}
			body["lotId"] = lot
			body["tankId"] = tank
			body["phase"] = phase
			body["plannedVolumeLiters"] = volume
			body["notes"] = notes
			resp, err := c.client.call(http.MethodPost, "/api/v1/assignments", body)
			if err != nil {
				return err
			}
			return c.render(resp, assignmentHeaders, [][]string{assignmentRow(resp)})
		},
	}
	cmd.Flags().StringVar(&lot, "lot", "", "Lot id (required)")
	_ = cmd.MarkFlagRequired("lot")
	addAssignmentFlags(cmd, &tank, &phase, &start, &end, &volume, &notes)
	return cmd
}

func newAssignmentsAdvanceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "advance ASSIGNMENT_ID PHASE",
		Short: "Advance the lot in an assignment to the next phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPatch, assignmentPath(args[0], "phase"), map[string]any{"phase": args[1]})
			if err != nil {
				return err
			}
			row := append(assignmentRow(object(resp, "assignment")), field(resp, "phaseChanged"))
			return c.render(resp, append(assignmentHeaders, "Changed"), [][]string{row})
		},
	}
}

func newAssignmentsCloseCmd(c *cli, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " ASSIGNMENT_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPost, assignmentPath(args[0], action), map[string]any{})
			if err != nil {
				return err
			}
			tank := object(resp, "tank")
			row := append(assignmentRow(object(resp, "assignment")), field(tank, "status"))
			return c.render(resp, append(assignmentHeaders, "Tank Status"), [][]string{row})
		},
	}
}

func newAssignmentsTransferCmd(c *cli) *cobra.Command {
	var (
		tank, phase, start, end, notes string
		volume                         float64
	)
	cmd := &cobra.Command{
		Use:   "transfer ASSIGNMENT_ID",
		Short: "Move a lot to another tank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := windowBody(start, end)
			if err != nil {
				return err
			}
			body["toTankId"] = tank
			body["phase"] = phase
			body["plannedVolumeLiters"] = volume
			body["notes"] = notes
			resp, err := c.client.call(http.MethodPost, assignmentPath(args[0], "transfer"), body)
			if err != nil {
				return err
			}
			return c.render(resp, assignmentHeaders, [][]string{assignmentRow(resp)})
		},
	}
	addAssignmentFlags(cmd, &tank, &phase, &start, &end, &volume, &notes)
	return cmd
}
