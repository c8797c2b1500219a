package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/primal-host/vidscope/internal/auth"
	"github.com/primal-host/vidscope/internal/config"
	"github.com/primal-host/vidscope/internal/database"
	"github.com/primal-host/vidscope/internal/tier"
	"github.com/spf13/cobra"
)

// setupDBCommand creates the schema without starting the server. The
// same steps are available at POST /api/admin/setup-db.
func setupDBCommand(logger logs.Log, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup-db",
		Short: "Create the database schema and seed the plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			db, err := database.Open(ctx, cfg.ConnString())
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer db.Close()

			res := db.Setup(ctx)
			for _, st := range res.Steps {
				if st.OK {
					logger.Infof("  %-24s ok", st.Name)
				} else {
					logger.Errorf("  %-24s %s", st.Name, st.Error)
				}
			}
			if err := res.Err(); err != nil {
				return err
			}
			logger.Infof("Database setup completed (%d steps)", len(res.Steps))
			return nil
		},
	}
}

// plansCommand prints the built-in tier table.
func plansCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Print the subscription tiers and their limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tSIZE\tDURATION\tSTORAGE\tVIDEOS\tAPI CALLS\tRETENTION\tMONTHLY\tYEARLY")
			for _, l := range tier.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t$%.2f\t$%.2f\n",
					l.Name,
					fmt.Sprintf("%d MB", l.MaxSizeMB),
					fmt.Sprintf("%d min", l.MaxDurationMinutes),
					orUnlimited(l.StorageGB, "%.0f GB"),
					orUnlimited(float64(l.MaxVideos), "%.0f"),
					orUnlimited(float64(l.APICalls), "%.0f"),
					orUnlimited(float64(l.RetentionDays), "%.0f days"),
					l.PriceMonthly, l.PriceYearly)
			}
			return w.Flush()
		},
	}
}

func orUnlimited(v float64, format string) string {
	if v <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf(format, v)
}

// tokenCommand issues an HS256 access token signed with jwtSecret, for
// exercising the API without the hosted auth provider.
func tokenCommand(configPath *string) *cobra.Command {
	var ttl time.Duration
	var name string
	cmd := &cobra.Command{
		Use:   "token <user-id> [email]",
		Short: "Issue an access token for a user",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwtSecret is not configured")
			}
			email := ""
			if len(args) > 1 {
				email = args[1]
			}
			tok, err := auth.IssueToken(cfg.JWTSecret, args[0], email, name, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringVar(&name, "name", "", "Full name claim")
	return cmd
}
