package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dunamismax/catalogfit/internal/app"
	"github.com/dunamismax/catalogfit/internal/batch"
	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/telemetry"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalogfit",
		Short: "Normalise catalog product images to one fixed geometry",
		Long: `catalogfit crop-resizes every product image in the catalog to the
configured target geometry, regenerates its renditions, writes the new
metadata back and invalidates cached entries.

"new" runs only touch records published since the last completed run.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newRunsCmd())

	return cmd
}

// withApp builds the pipeline for one command invocation and tears it down
// afterwards.
func withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	cfg := config.Load()
	logger := app.NewLogger(cfg.Log)
	ctx := cmd.Context()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Telemetry, logger.WithField("component", "telemetry"))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warnf("tracing shutdown: %v", err)
		}
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}()
	return fn(a)
}

func newRunCmd() *cobra.Command {
	var (
		mode   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a batch resize",
		Long: `Run a batch resize in this process.

--mode all normalises every published record; --mode new only records
published after the stored watermark.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := domain.ParseRunMode(mode); err != nil {
				return fmt.Errorf("invalid --mode %q: use all or new", mode)
			}
			return withApp(cmd, func(a *app.App) error {
				res, err := a.Service.Run(cmd.Context(), mode, batch.SourceCLI)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "Resized %d images.%s\n", res.Processed, res.Debug)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "new", "records to process: all or new")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run result as JSON")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <image-id>",
		Short: "Print the on-disk dimensions of one image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app.App) error {
				v, err := a.Service.VerifyDimensions(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if v == nil {
					return fmt.Errorf("image %s: no readable file", args[0])
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %dx%d %s\n", v.ImageID, v.Width, v.Height, v.Filename)
				return err
			})
		},
	}
}

func newRunsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent batch runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return withApp(cmd, func(a *app.App) error {
				runs, err := a.Service.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printRuns(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func printRuns(w io.Writer, runs []domain.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tSOURCE\tPROCESSED\tFAILED\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.ID, r.Mode, r.Status, r.Source, r.Processed, r.Failed, r.StartedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
