package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

func lotPath(id, action string) string {
	p := "/api/v1/lots/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func newLotsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lots",
		Aliases: []string{"lot"},
		Short:   "Inspect lot lineage, blend and split lots",
	}
	cmd.AddCommand(newLotsGetCmd(c))
	cmd.AddCommand(newLotsLineageCmd(c))
	cmd.AddCommand(newLotsBlendCmd(c))
	cmd.AddCommand(newLotsSplitCmd(c))
	cmd.AddCommand(newLotsSetStatusCmd(c))
	return cmd
}

func newLotsGetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "get LOT_ID",
		Short: "Show one lot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodGet, lotPath(args[0], ""), nil)
			if err != nil {
				return err
			}
			return c.render(resp, append(lotHeaders, "Batches"), [][]string{append(lotRow(resp), field(resp, "batchIds"))})
		},
	}
}

func newLotsLineageCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "lineage LOT_ID",
		Short: "Show a lot's parent, children, blend inputs and member batches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodGet, lotPath(args[0], "lineage"), nil)
			if err != nil {
				return err
			}
			rows := [][]string{append([]string{"self"}, lotRow(object(resp, "lot"))...)}
			if p, ok := resp["parent"].(map[string]any); ok {
				rows = append(rows, append([]string{"parent"}, lotRow(p)...))
			}
			if a, ok := resp["absorbedInto"].(map[string]any); ok {
				rows = append(rows, append([]string{"absorbed into"}, lotRow(a)...))
			}
			for _, l := range objects(resp, "children") {
				rows = append(rows, append([]string{"child"}, lotRow(l)...))
			}
			for _, l := range objects(resp, "absorbed") {
				rows = append(rows, append([]string{"blend input"}, lotRow(l)...))
			}
			if err := c.render(resp, append([]string{"Relation"}, lotHeaders...), rows); err != nil {
				return err
			}
			if c.settings.Output != outputTable {
				return nil
			}
			var members []string
			for _, b := range objects(resp, "members") {
				members = append(members, field(b, "batchNumber"))
			}
			fmt.Fprintf(c.out, "\nbatches: %s\n", strings.Join(members, ", "))
			return nil
		},
	}
}

func newLotsBlendCmd(c *cli) *cobra.Command {
	var (
		lots  []string
		into  string
		code  string
		notes string
	)
	cmd := &cobra.Command{
		Use:   "blend",
		Short: "Blend two or more lots into a new lot",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPost, "/api/v1/lots/blend", map[string]any{
				"lotIds":    lots,
				"intoLotId": into,
				"code":      code,
				"notes":     notes,
			})
			if err != nil {
				return err
			}
			return c.render(resp, lotHeaders, [][]string{lotRow(resp)})
		},
	}
	cmd.Flags().StringSliceVar(&lots, "lot", nil, "Input lot id (repeat for each input)")
	cmd.Flags().StringVar(&into, "into", "", "Input lot whose tank the blend stays in")
	cmd.Flags().StringVar(&code, "code", "", "Code for the blended lot")
	cmd.Flags().StringVar(&notes, "notes", "", "Notes")
	_ = cmd.MarkFlagRequired("lot")
	return cmd
}

// parseSplitParts parses SUFFIX=FRACTION pairs.
func parseSplitParts(parts []string) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(parts))
	for _, p := range parts {
		suffix, frac, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid part %q (want SUFFIX=FRACTION)", p)
		}
		f, err := strconv.ParseFloat(frac, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid fraction in %q: %w", p, err)
		}
		out = append(out, map[string]any{"suffix": suffix, "fraction": f})
	}
	return out, nil
}

func newLotsSplitCmd(c *cli) *cobra.Command {
	var parts []string
	cmd := &cobra.Command{
		Use:     "split LOT_ID",
		Short:   "Split a lot into child lots",
		Example: "  cellarctl lots split 3f2a... --part A=0.5 --part B=0.5",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			children, err := parseSplitParts(parts)
			if err != nil {
				return err
			}
			resp, err := c.client.call(http.MethodPost, lotPath(args[0], "split"), map[string]any{"children": children})
			if err != nil {
				return err
			}
			var rows [][]string
			for _, l := range objects(resp, "children") {
				rows = append(rows, lotRow(l))
			}
			return c.render(resp, lotHeaders, rows)
		},
	}
	cmd.Flags().StringArrayVar(&parts, "part", nil, "Child as SUFFIX=FRACTION (repeat for each child)")
	_ = cmd.MarkFlagRequired("part")
	return cmd
}

func newLotsSetStatusCmd(c *cli) *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "set-status LOT_ID STATUS",
		Short: "Complete or cancel a lot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.call(http.MethodPatch, "/api/v1/lots/phase", map[string]any{
				"lotId":  args[0],
				"status": args[1],
				"phase":  phase,
			})
			if err != nil {
				return err
			}
			return c.render(resp, lotHeaders, [][]string{lotRow(object(resp, "lot"))})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "Optionally advance the phase in the same call")
	return cmd
}
