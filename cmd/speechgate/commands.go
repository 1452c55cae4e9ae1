package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ihoward40/SintraPrime-sub012/pkg/api"
	"github.com/ihoward40/SintraPrime-sub012/pkg/audit"
	"github.com/ihoward40/SintraPrime-sub012/pkg/budget"
	"github.com/ihoward40/SintraPrime-sub012/pkg/engine"
	"github.com/ihoward40/SintraPrime-sub012/pkg/sink"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSpeakCmd(opts *rootOptions) *cobra.Command {
	var (
		req        engine.SpeakRequest
		confidence float64
		severity   string
		source     string
		autoplay   bool
	)
	cmd := &cobra.Command{
		Use:   "speak <text>",
		Short: "Evaluate one message through the gate and deliver it",
		Long: `Evaluate one message through the gate and deliver it.

Budget state is carried between invocations through SPEECH_CHECKPOINT.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			req.Text = strings.Join(args, " ")
			if cmd.Flags().Changed("confidence") || severity != "" || source != "" || autoplay {
				req.Meta = &engine.Meta{Severity: severity, Source: source, AutoplayRequested: autoplay}
				if cmd.Flags().Changed("confidence") {
					req.Meta.Confidence = &confidence
				}
			}

			ctx := cmd.Context()
			// speech lines go to stderr so stdout stays parseable
			e, err := engine.FromConfig(ctx, cfg, engine.Deps{Console: cmd.ErrOrStderr(), Logger: logger})
			if err != nil {
				return err
			}
			if cfg.Checkpoint != "" {
				if _, err := e.LoadCheckpoint(cfg.Checkpoint); err != nil {
					_ = e.Close(context.Background())
					return err
				}
			}
			res := e.Evaluate(ctx, req)

			cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.Close(cctx); err != nil {
				return err
			}
			if cfg.Checkpoint != "" && !req.Simulation {
				if err := e.SaveCheckpoint(cfg.Checkpoint); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Category, "category", "c", "", "message category (required)")
	f.StringVar(&req.GateKey, "gate-key", "", "gate key; defaults to the thread, then global")
	f.StringVar(&req.ThreadID, "thread", "", "thread id")
	f.StringVar(&req.ExecutionID, "execution", "", "execution id")
	f.BoolVar(&req.Simulation, "simulate", false, "preview the decision without touching state")
	f.Float64Var(&confidence, "confidence", 1, "confidence in [0,1] or (1,100]")
	f.StringVar(&severity, "severity", "", "none, warning or urgent")
	f.StringVar(&source, "source", "", "origin of the message")
	f.BoolVar(&autoplay, "autoplay", false, "request unattended playback")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <gate-key>",
		Short: "Show budget and silence state for a gate key from the checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cfg.Checkpoint == "" {
				return usageError{msg: "status needs SPEECH_CHECKPOINT"}
			}
			t := budget.NewTracker()
			if _, err := t.LoadFile(cfg.Checkpoint); err != nil {
				return err
			}
			base := cfg.VoiceBudget
			if base < 0 {
				base = budget.Unbounded
			}
			return printJSON(cmd.OutOrStdout(), t.StatusAt(args[0], base))
		},
	}
}

func newSinksCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sinks",
		Short: "Print the resolved sink fallback chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}
			d := sink.NewDispatcher(engine.NewRegistry(cfg, engine.Deps{Console: io.Discard}), sink.Config{
				Chain:           cfg.Sinks,
				FallbackTimeout: cfg.FallbackTimeout,
			}, sink.WithLogger(logger.With("component", "sink")))
			for i, name := range d.Chain() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, name)
			}
			return nil
		},
	}
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var (
		out          string
		since, until string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Bundle autoplay log and artifacts into a zip evidence pack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			var req audit.ExportRequest
			if req.StartTime, err = parseBound("since", since); err != nil {
				return err
			}
			if req.EndTime, err = parseBound("until", until); err != nil {
				return err
			}
			data, digest, err := audit.NewExporter(cfg.ArtifactDir).GeneratePack(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o600); err != nil {
				return fmt.Errorf("write pack: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", digest, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "speech-evidence.zip", "output file")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 start (inclusive)")
	cmd.Flags().StringVar(&until, "until", "", "RFC 3339 end (inclusive)")
	return cmd
}

func parseBound(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, usageError{msg: fmt.Sprintf("--%s: %v", name, err)}
	}
	return t, nil
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			v := api.NewTokenValidator(cfg.HTTP.Secret)
			if v == nil {
				return usageError{msg: "token needs SPEECH_API_SECRET"}
			}
			tok, err := v.Sign(subject, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
