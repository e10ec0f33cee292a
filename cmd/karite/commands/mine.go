package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Karite/internal/api"
	"github.com/shizukutanaka/Karite/internal/config"
	"github.com/shizukutanaka/Karite/internal/logging"
	"github.com/shizukutanaka/Karite/internal/miner"
)

var mineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Start mining",
	Long:  `Loads the configuration, scans the plot directories and mines until interrupted.`,
	RunE:  runMine,
}

func init() {
	rootCmd.AddCommand(mineCmd)
}

func runMine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("karite starting", zap.String("config", cfgFile))

	m, err := miner.New(logger, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.API.Enabled {
		srv := api.NewServer(logger, cfg.API, m.Status, m.Metrics())
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("api server failed", zap.Error(err))
			}
		}()
	}

	m.Run(ctx)
	logger.Info("karite stopped")
	return nil
}
