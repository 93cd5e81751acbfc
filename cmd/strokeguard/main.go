package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"strokeguard/common/logger"
	"strokeguard/internal/config"
	"strokeguard/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const serviceName = "strokeguard"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "strokeguard",
	Short:         "Stroke-risk monitoring client for BLE vitals wearables",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run acquisition, monitoring and the HTTP API",
	RunE:  runService,
}

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair a wearable through the BLE gateway",
	RunE:  runPair,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Fetch the remote triage status once",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./config.yaml or ./configs/config.yaml)")
	rootCmd.AddCommand(runCmd, pairCmd, statusCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Info("Starting strokeguard service",
		zap.String("patient_id", cfg.Patient.ID),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("store", cfg.Store.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.NewMonitorService(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create monitor service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitor service: %w", err)
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}

	log.Info("Service stopped")
	return nil
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewMonitorService(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create monitor service: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Stop(stopCtx)
	}()

	pairCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := svc.Pair(pairCtx); err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Triage.Timeout)
	defer cancel()

	snap, err := service.NewTriageClient(cfg, log).Status(ctx)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
