package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/spotsync/internal/engine"
	"github.com/agentworkforce/spotsync/internal/model"
	"github.com/agentworkforce/spotsync/internal/mutation"
)

func newSpotCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "spot", Short: "Create and list spots"}

	var name string
	var lat, lng float64
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a spot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.CreateSpot(ctx, name, lat, lng)
				if err != nil {
					return err
				}
				printResult(cmd, "spot creation", result)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "spot name")
	create.Flags().Float64Var(&lat, "lat", 0, "latitude")
	create.Flags().Float64Var(&lng, "lng", 0, "longitude")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("lat")
	_ = create.MarkFlagRequired("lng")

	var viewport string
	var jsonOutput bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List spots, optionally inside a viewport",
		RunE: func(cmd *cobra.Command, args []string) error {
			var vp *engine.Viewport
			if viewport != "" {
				parsed, err := engine.ParseViewport(viewport)
				if err != nil {
					return err
				}
				vp = &parsed
			}
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				spots, err := eng.Spots(ctx, vp)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(cmd.OutOrStdout(), spots)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tLAT\tLNG\tSESSIONS")
				for _, s := range spots {
					fmt.Fprintf(tw, "%s\t%s\t%.5f\t%.5f\t%d\n", s.ID, s.Name, s.Latitude, s.Longitude, s.SessionCount)
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().StringVar(&viewport, "viewport", "", "swLat,swLng,neLat,neLng")
	list.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	cmd.AddCommand(create, list)
	return cmd
}

func newConditionCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "condition", Short: "Report, confirm and list conditions"}

	var wave, wind float64
	var direction int
	report := &cobra.Command{
		Use:   "report <spot-id>",
		Short: "Report current conditions at a spot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in engine.ConditionInput
			flags := cmd.Flags()
			if flags.Changed("wave") {
				in.WaveHeight = &wave
			}
			if flags.Changed("wind") {
				in.WindSpeed = &wind
			}
			if flags.Changed("direction") {
				in.WindDirection = &direction
			}
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.ReportCondition(ctx, args[0], in)
				if err != nil {
					return err
				}
				printResult(cmd, "condition report", result)
				return nil
			})
		},
	}
	report.Flags().Float64Var(&wave, "wave", 0, "wave height in metres")
	report.Flags().Float64Var(&wind, "wind", 0, "wind speed in knots")
	report.Flags().IntVar(&direction, "direction", 0, "wind direction in degrees")

	confirm := &cobra.Command{
		Use:   "confirm <spot-id> <condition-id>",
		Short: "Confirm someone else's report",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.ConfirmCondition(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printResult(cmd, "condition confirmation", result)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <spot-id>",
		Short: "List recent reports at a spot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				reports, err := eng.Conditions(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), reports)
			})
		},
	}

	cmd.AddCommand(report, confirm, list)
	return cmd
}

func newSessionCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Join, leave and list sessions"}

	var kind, sport, at string
	create := &cobra.Command{
		Use:   "create <spot-id>",
		Short: "Announce a session now or at a planned time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var scheduled time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				scheduled = parsed
			}
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.CreateSession(ctx, args[0],
					mutation.SessionKind(strings.ToLower(kind)),
					model.SportType(strings.ToUpper(sport)),
					scheduled)
				if err != nil {
					return err
				}
				printResult(cmd, "session", result)
				return nil
			})
		},
	}
	create.Flags().StringVar(&kind, "type", string(mutation.SessionKindNow), "now or planned")
	create.Flags().StringVar(&sport, "sport", string(model.SportWingFoil), "WING_FOIL, WINDSURF, KITE or OTHER")
	create.Flags().StringVar(&at, "at", "", "start time for planned sessions (RFC 3339)")

	leave := &cobra.Command{
		Use:   "leave <spot-id> <session-id>",
		Short: "Leave a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.LeaveSession(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printResult(cmd, "leave session", result)
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <spot-id>",
		Short: "List sessions at a spot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.Sessions(ctx, args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}

	cmd.AddCommand(create, leave, list)
	return cmd
}

func newWikiCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "wiki", Short: "Read and edit spot wiki pages"}

	var content, file string
	update := &cobra.Command{
		Use:   "update <spot-id>",
		Short: "Replace a spot's wiki content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(data)
			}
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				result, err := eng.UpdateWiki(ctx, args[0], content)
				if err != nil {
					return err
				}
				printResult(cmd, "wiki edit", result)
				return nil
			})
		},
	}
	update.Flags().StringVar(&content, "content", "", "markdown content")
	update.Flags().StringVar(&file, "file", "", "read content from a file")

	show := &cobra.Command{
		Use:   "show <spot-id>",
		Short: "Print a spot's wiki content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				wiki, err := eng.Wiki(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), wiki.Content)
				return nil
			})
		},
	}

	cmd.AddCommand(update, show)
	return cmd
}
