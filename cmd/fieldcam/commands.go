package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"fieldcam/go-capture-node/internal/app"
	"fieldcam/go-capture-node/internal/config"
	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/queue"
	"fieldcam/go-capture-node/internal/schedule"
	"fieldcam/go-capture-node/internal/suntime"
)

func sunCmd() *cobra.Command {
	var (
		date     string
		lat, lon float64
		tz       string
	)
	cmd := &cobra.Command{
		Use:   "sun",
		Short: "Print sun times and the activity table for a date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			explicit := flags.Changed("lat") && flags.Changed("lon") && flags.Changed("tz")

			cfg, err := config.Load()
			if err != nil {
				if !explicit {
					return err
				}
				// The location alone is enough to print a schedule.
				cfg = config.Config{PreActive: 15 * time.Minute, PostActive: 15 * time.Minute}
			}
			if flags.Changed("lat") {
				cfg.Latitude = lat
			}
			if flags.Changed("lon") {
				cfg.Longitude = lon
			}
			if flags.Changed("tz") {
				cfg.Timezone = tz
			}

			loc := cfg.Location()
			zone, err := loc.Zone()
			if err != nil {
				return err
			}
			now := time.Now().In(zone)
			day := suntime.DateOf(now, zone)
			if date != "" {
				if day, err = suntime.ParseDate(date); err != nil {
					return err
				}
			}
			return printSchedule(cmd.OutOrStdout(), loc, day, cfg.PreActive, cfg.PostActive, now)
		},
	}
	cmd.Flags().StringVarP(&date, "date", "d", "", "Date as YYYY-MM-DD (defaults to today at the site)")
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude override")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Longitude override")
	cmd.Flags().StringVar(&tz, "tz", "", "IANA timezone override")
	return cmd
}

func printSchedule(w io.Writer, loc model.Location, day suntime.Date, pre, post time.Duration, now time.Time) error {
	table, sun, err := schedule.Build(loc, day, pre, post)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "location\t%.4f, %.4f (%s)\n", loc.Latitude, loc.Longitude, loc.Timezone)
	fmt.Fprintln(tw, "\nDATE\tKIND\tSUNRISE\tSUNSET")
	for _, st := range sun {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.Date, st.Kind, clock(st.Sunrise), clock(st.Sunset))
	}
	fmt.Fprintln(tw, "\nAT\tSTATE")
	for _, e := range table.Entries() {
		fmt.Fprintf(tw, "%s\t%s\n", e.At.Format("2006-01-02 15:04 MST"), e.State)
	}
	if day == suntime.DateOf(now, now.Location()) {
		fmt.Fprintf(tw, "\nnow\t%s\n", table.StateAt(now))
	}
	return tw.Flush()
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("15:04")
}

func queueCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List artifacts waiting for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			q, err := queue.New(cfg.QueueDir(), cfg.ScratchDir())
			if err != nil {
				return err
			}
			items, err := q.List()
			if err != nil {
				return err
			}
			return printQueue(cmd.OutOrStdout(), items, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func printQueue(w io.Writer, items []queue.Artifact, asJSON bool) error {
	if asJSON {
		if items == nil {
			items = []queue.Artifact{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPTURED\tSIZE\tNAME")
	var total int64
	for _, it := range items {
		total += it.Size
		fmt.Fprintf(tw, "%s\t%d\t%s\n", it.CapturedAt.UTC().Format(time.RFC3339), it.Size, it.Name)
	}
	fmt.Fprintf(tw, "\n%d pending, %d bytes\n", len(items), total)
	return tw.Flush()
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one delivery cycle and exit",
		Long:  "drain delivers one batch from the pending queue. Do not run it while the node's run command is active.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			application, err := app.New(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer application.Close()

			rep := application.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "listed %d, attempted %d, delivered %d, dropped %d\n",
				rep.Listed, rep.Attempted, rep.Delivered, rep.Dropped)
			if rep.Err != nil {
				if rep.Delivered == 0 && rep.Attempted > 0 {
					return rep.Err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stopped early: %v\n", rep.Err)
			}
			return nil
		},
	}
}
