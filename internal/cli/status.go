package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/httpguard/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest persisted host snapshots of every service",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Database.URL == "" {
		slog.Error("Database is not configured")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	repo := postgres.NewSnapshotRepo(db)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "SERVICE\tHOST\tCALLS\tIO ERR\tMEAN MS\tP99 MS\tCAPTURED")

	for _, svc := range cfg.Services {
		rows, err := repo.Latest(ctx, svc.Name)
		if err != nil {
			slog.Error("Failed to query snapshots", "service", svc.Name, "error", err)
			os.Exit(1)
		}
		for _, r := range rows {
			if r.Family != postgres.FamilyTotal {
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.2f\t%.2f\t%s\n",
				r.Service, r.Host, r.Count, r.IOErrors, r.MeanMs, r.P99Ms, r.CapturedAt.Format(time.RFC3339))
		}
	}
	_ = w.Flush()
}
