package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"newsfeed-refresh/internal/app"
	"newsfeed-refresh/internal/auth"
	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/models"
)

// withRuntime opens the configured stores for the duration of one command.
func withRuntime(cmd *cobra.Command, cfg config.Config, fn func(rt *app.Runtime) error) error {
	if cfg.StoreBackend == config.BackendMemory {
		return errors.New("queuectl needs a shared store; set STORE_BACKEND=redis")
	}
	cfg.StartupRetryMax = 0
	rt, err := app.Open(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func SubmitCmd(cfg config.Config) *cobra.Command {
	var owner, rawConfig string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "queue a news refresh for an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			parsed, err := models.DecodeRefreshConfig(json.RawMessage(rawConfig))
			if err != nil {
				return fmt.Errorf("invalid --config: %w", err)
			}
			raw, err := json.Marshal(parsed)
			if err != nil {
				return err
			}
			return withRuntime(cmd, cfg, func(rt *app.Runtime) error {
				id, err := rt.Service.Submit(cmd.Context(), owner, models.KindNewsRefresh, raw)
				if err != nil {
					return fmt.Errorf("failed to submit job: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner (user) id the job runs for")
	cmd.Flags().StringVar(&rawConfig, "config", "", "refresh config as JSON; omitted fields use defaults")
	return cmd
}

func StatusCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "print a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(rt *app.Runtime) error {
				job, err := rt.Service.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func StatsCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "print pending queue length and worker bound",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(rt *app.Runtime) error {
				stats, err := rt.Service.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func CleanupCmd(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "delete terminal jobs older than JOB_RETENTION",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(rt *app.Runtime) error {
				n, err := rt.Service.Cleanup(cmd.Context())
				if err != nil {
					return fmt.Errorf("cleanup stopped after %d deletions: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
				return nil
			})
		},
	}
}

func ReapCmd(cfg config.Config) *cobra.Command {
	var ceiling time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "fail jobs stuck in processing longer than the ceiling",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, cfg, func(rt *app.Runtime) error {
				n, err := rt.Service.ReapStale(cmd.Context(), ceiling)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reaped %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ceiling, "ceiling", cfg.ProcessingCeiling, "processing time after which a job counts as abandoned")
	return cmd
}

func HistoryCmd(cfg config.Config) *cobra.Command {
	var owner string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "summarize an owner's finished jobs from Postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return errors.New("--owner is required")
			}
			return withRuntime(cmd, cfg, func(rt *app.Runtime) error {
				if rt.Postgres == nil {
					return errors.New("history needs POSTGRES_DSN")
				}
				sum, err := rt.Postgres.OwnerSummary(cmd.Context(), owner)
				if err != nil {
					return err
				}
				jobs, err := rt.Postgres.History(cmd.Context(), owner, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"summary": sum, "jobs": jobs})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent jobs to list")
	return cmd
}

func TokenCmd(cfg config.Config) *cobra.Command {
	var user, email string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "mint a bearer token signed with JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || email == "" {
				return errors.New("--user and --email are required")
			}
			tok, err := auth.NewVerifier(cfg.JWTSecret).Sign(auth.Identity{UserID: user, Email: email}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "userId claim")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 7*24*time.Hour, "token lifetime, 0 for no expiry")
	return cmd
}
