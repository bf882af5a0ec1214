package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/spotsync/internal/engine"
	"github.com/agentworkforce/spotsync/internal/httpapi"
	"github.com/agentworkforce/spotsync/internal/uistate"
)

func newRunCmd(g *globalOptions) *cobra.Command {
	var spots []string
	var listen, controlToken string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity, flush the queue on reconnect and follow realtime events",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			eng, err := g.openEngine(ctx, true)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := eng.Close(context.WithoutCancel(ctx)); closeErr != nil && err == nil {
					err = closeErr
				}
			}()

			events, unsubscribe := eng.UI().Subscribe(64)
			defer unsubscribe()
			for _, spotID := range spots {
				if err := eng.JoinSpot(ctx, spotID); err != nil {
					return err
				}
			}
			g.log.Info("sync engine running",
				zap.String("base_url", g.cfg.BaseURL),
				zap.Strings("spots", spots),
				zap.Int("queued", eng.Queue().Len()),
			)

			group, ctx := errgroup.WithContext(ctx)
			group.Go(func() error { return eng.Run(ctx) })
			group.Go(func() error {
				printEvents(ctx, cmd.OutOrStdout(), events)
				return nil
			})
			if listen != "" {
				if controlToken == "" {
					controlToken = os.Getenv("SPOTSYNC_CONTROL_TOKEN")
				}
				handler := httpapi.NewServerWithConfig(eng, httpapi.ServerConfig{
					Token:  controlToken,
					Logger: g.log.Named("control"),
				})
				server := &http.Server{Addr: listen, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
				group.Go(func() error {
					g.log.Info("control api listening", zap.String("addr", listen))
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				group.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				})
			}
			return group.Wait()
		},
	}
	cmd.Flags().StringSliceVar(&spots, "spot", nil, "spot id to follow for realtime updates (repeatable)")
	cmd.Flags().StringVar(&listen, "listen", "", "serve the local control API on this address, e.g. 127.0.0.1:7420")
	cmd.Flags().StringVar(&controlToken, "control-token", "", "bearer token for the control API (or SPOTSYNC_CONTROL_TOKEN)")
	return cmd
}

func printEvents(ctx context.Context, out io.Writer, events <-chan uistate.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Kind {
			case uistate.EventOffline:
				if event.Offline {
					fmt.Fprintln(out, "offline: writes will be queued")
				} else {
					fmt.Fprintln(out, "online")
				}
			case uistate.EventNotice:
				if event.Notice != nil {
					fmt.Fprintln(out, event.Notice.Message)
				}
			}
		}
	}
}

func newLoginCmd(g *globalOptions) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and flush writes held for a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SPOTSYNC_PASSWORD")
			}
			if strings.TrimSpace(username) == "" || password == "" {
				return fmt.Errorf("username and password are required (--password or SPOTSYNC_PASSWORD)")
			}
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				session, err := eng.Login(ctx, username, password)
				if err != nil {
					return err
				}
				name := username
				if session.User != nil {
					name = session.User.Username
				}
				fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", name)
				if n := eng.Queue().Len(); n > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%d writes still queued\n", n)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account username")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func newLogoutCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session; queued writes are kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.Logout(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "logged out")
				return nil
			})
		},
	}
}

func newStatusCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show session, connectivity and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				st := eng.Status()
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, st)
				}
				user := "-"
				if st.User != nil {
					user = st.User.Username
				}
				fmt.Fprintf(out, "Authenticated : %t\n", st.Authenticated)
				fmt.Fprintf(out, "User          : %s\n", user)
				if !st.TokenExpiresAt.IsZero() {
					fmt.Fprintf(out, "Token expires : %s\n", st.TokenExpiresAt.Format(time.RFC3339))
				}
				fmt.Fprintf(out, "Pending       : %d\n", len(st.Pending))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output status as JSON")
	return cmd
}

func newQueueCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and replay the offline write queue",
	}

	var jsonOutput bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued writes in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				items := eng.Queue().List()
				out := cmd.OutOrStdout()
				if jsonOutput {
					return writeJSON(out, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "queue is empty")
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tTYPE\tMETHOD\tENDPOINT\tRETRIES\tQUEUED")
				for _, m := range items {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", m.ID, m.OperationType, m.Method, m.Endpoint, m.RetryCount, m.Timestamp.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	list.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	flush := &cobra.Command{
		Use:   "flush",
		Short: "Run one replay pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				report, err := eng.FlushQueue(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, synced %d, retrying %d, failed %d, dropped %d\n",
					report.Attempted, report.Succeeded, report.Retried, report.Failed, report.Dropped)
				for _, n := range eng.UI().Notices() {
					if n.Kind != uistate.NoticeQueued {
						fmt.Fprintln(cmd.OutOrStdout(), n.Message)
					}
				}
				return err
			})
		},
	}

	drop := &cobra.Command{
		Use:   "drop <mutation-id>",
		Short: "Discard a queued write without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				removed, err := eng.DropQueued(ctx, args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("no queued write with id %s", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, flush, drop)
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
