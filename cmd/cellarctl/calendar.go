package main

import (
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"
)

func newCalendarCmd(c *cli) *cobra.Command {
	var start, end, tank string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Show tank bookings in a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for key, v := range map[string]string{"start": start, "end": end} {
				if v == "" {
					continue
				}
				t, err := parseWhen(v)
				if err != nil {
					return err
				}
				q.Set(key, t.Format(time.RFC3339))
			}
			if tank != "" {
				q.Set("tankId", tank)
			}
			path := "/api/v1/calendar/assignments"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			resp, err := c.client.call(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			var rows [][]string
			for _, b := range objects(resp, "blocks") {
				rows = append(rows, []string{
					field(object(b, "tank"), "name"),
					field(object(b, "lot"), "code"),
					field(b, "phase"),
					field(b, "status"),
					field(b, "start"),
					field(b, "end"),
					field(b, "utilization") + "%",
					field(b, "badges"),
				})
			}
			return c.render(resp, []string{"Tank", "Lot", "Phase", "Status", "Start", "End", "Util", "Badges"}, rows)
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "Range start, RFC3339 or YYYY-MM-DD (default: 7 days ago)")
	cmd.Flags().StringVar(&end, "end", "", "Range end, exclusive (default: 28 days ahead)")
	cmd.Flags().StringVar(&tank, "tank", "", "Only this tank")
	return cmd
}
