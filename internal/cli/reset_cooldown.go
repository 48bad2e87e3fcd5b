package cli

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	redisclient "github.com/vietddude/httpguard/internal/infra/redis"
	"github.com/vietddude/httpguard/internal/infra/rpc/routing"
)

var resetCooldownCmd = &cobra.Command{
	Use:   "reset-cooldown [service] [node_url]",
	Short: "Clear the shared cooldown mark of a node",
	Args:  cobra.ExactArgs(2),
	Run:   runResetCooldown,
}

func init() {
	rootCmd.AddCommand(resetCooldownCmd)
}

func runResetCooldown(cmd *cobra.Command, args []string) {
	service := args[0]
	node, err := routing.ParseBaseURL(args[1])
	if err != nil {
		slog.Error("Invalid node url", "error", err)
		os.Exit(1)
	}

	cfg := loadConfig()
	if cfg.Redis.URL == "" {
		slog.Error("Redis is not configured; in-memory cooldowns reset on restart")
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	store := redisclient.NewCooldownStore(client, service)
	if err := store.Clear(context.Background(), node.String()); err != nil {
		slog.Error("Failed to clear cooldown", "error", err)
		os.Exit(1)
	}
	slog.Info("Cooldown cleared", "service", service, "node", node.String())
}
