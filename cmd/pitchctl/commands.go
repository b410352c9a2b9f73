package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skypro1111/karaoke-pitch-service/internal/client"
	"github.com/skypro1111/karaoke-pitch-service/internal/panel"
	"github.com/skypro1111/karaoke-pitch-service/internal/protocol"
)

type options struct {
	server  string
	timeout time.Duration
	retries int
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "pitchctl",
		Short:         "Control pitch and speed of karaoke tabs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.server, "server", "http://127.0.0.1:8080", "service HTTP address")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "request timeout")
	root.PersistentFlags().IntVar(&opts.retries, "retries", 2, "retries for failed requests")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log requests")

	pitch := &cobra.Command{
		Use:   "pitch",
		Short: "Change the pitch of a tab",
	}
	pitch.AddCommand(
		panelCmd(opts, "set <tab> <semitones>", "Set the pitch in semitones", 2, func(ctx context.Context, p *panel.Panel, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid semitones %q: %w", args[1], err)
			}
			return p.SetPitch(ctx, value)
		}),
		panelCmd(opts, "up <tab>", "Raise the pitch by one semitone", 1, func(ctx context.Context, p *panel.Panel, _ []string) error {
			return p.PitchUp(ctx)
		}),
		panelCmd(opts, "down <tab>", "Lower the pitch by one semitone", 1, func(ctx context.Context, p *panel.Panel, _ []string) error {
			return p.PitchDown(ctx)
		}),
	)

	root.AddCommand(
		statusCmd(opts),
		tabsCmd(opts),
		processorCmd(opts),
		pitch,
		panelCmd(opts, "speed <tab> <ratio>", "Set the playback speed", 2, func(ctx context.Context, p *panel.Panel, args []string) error {
			value, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid ratio %q: %w", args[1], err)
			}
			return p.SetSpeed(ctx, value)
		}),
		panelCmd(opts, "show <tab>", "Show the control panel of a tab", 1, nil),
		captureCmd(opts, "start <tab>", "Start capturing a tab", protocol.ActionStartCapture),
		captureCmd(opts, "stop <tab>", "Stop capturing a tab", protocol.ActionStopCapture),
	)

	return root
}

func (o *options) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (o *options) client() (*client.Client, error) {
	return client.NewClient(client.Config{
		BaseURL:    o.server,
		Timeout:    o.timeout,
		MaxRetries: o.retries,
	})
}

func parseTab(arg string) (int, error) {
	tabID, err := strconv.Atoi(arg)
	if err != nil || tabID <= 0 {
		return 0, fmt.Errorf("invalid tab id %q", arg)
	}
	return tabID, nil
}

// panelCmd opens a panel on the tab in args[0], runs action and prints the
// panel afterwards
func panelCmd(opts *options, use, short string, nargs int, action func(context.Context, *panel.Panel, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			tabID, err := parseTab(args[0])
			if err != nil {
				return err
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx := cmd.Context()
			p := panel.Open(ctx, c, tabID, opts.logger())

			if action != nil {
				if err := action(ctx, p, args); err != nil {
					return err
				}
			}

			fmt.Fprint(cmd.OutOrStdout(), p.Render())
			return nil
		},
	}
}

func captureCmd(opts *options, use, short, action string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tabID, err := parseTab(args[0])
			if err != nil {
				return err
			}

			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			state, err := c.Dispatch(cmd.Context(), protocol.Command{Action: action, TabID: tabID})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "tab %d capturing=%t pitch=%s speed=%gx\n",
				tabID, state.Capturing, panel.FormatPitch(state.Pitch), state.Speed)
			return nil
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			health, err := c.Health(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), health)
		},
	}
}

func processorCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "processor",
		Short: "Show the audio processor status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.ProcessorStatus(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

func tabsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "List tracked tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			defer c.Close()

			tabs, err := c.Tabs(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAB\tPITCH\tSPEED\tVIDEO\tCAPTURING\tBADGE")
			for _, tab := range tabs {
				video := "-"
				if tab.VideoID != nil {
					video = *tab.VideoID
				}
				fmt.Fprintf(w, "%d\t%s\t%gx\t%s\t%t\t%s\n",
					tab.TabID, panel.FormatPitch(tab.Pitch), tab.Speed, video, tab.Capturing, tab.BadgeText)
			}
			return w.Flush()
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
