// Package main provides the CLI entry point for the SSH daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coregate/sshd/internal/adminserver"
	"github.com/coregate/sshd/internal/config"
	"github.com/coregate/sshd/internal/daemon"
	"github.com/coregate/sshd/internal/hostkey"
	"github.com/coregate/sshd/internal/logging"
	"github.com/coregate/sshd/internal/metrics"
	"github.com/coregate/sshd/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "sshd",
		Short:   "sshd - a minimal SSH-2 transport and connection daemon",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(genKeyCmd())
	rootCmd.AddCommand(hashCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the SSH daemon",
		Long:  "Start the SSH daemon with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			hk, err := hostkey.LoadOrGenerate(cfg.HostKey)
			if err != nil {
				return fmt.Errorf("failed to load host key: %w", err)
			}

			reg := prometheus.NewRegistry()
			m := metrics.NewMetricsWithRegistry(reg)

			d := daemon.New(&session.Config{
				HostKey:      hk,
				Authenticate: cfg.Auth.Verifier(),
				Logger:       logger,
				Metrics:      m,
			})

			if err := d.Start(cfg.Listen); err != nil {
				return fmt.Errorf("failed to start daemon: %w", err)
			}
			logger.Info("sshd listening", logging.KeyComponent, "daemon", "address", d.Address().String())

			var admin *adminserver.Server
			if cfg.Metrics.Enabled {
				admin = adminserver.NewServer(adminserver.Config{
					Address:  cfg.Metrics.Listen,
					Registry: reg,
				}, daemonStatsAdapter{d})
				if err := admin.Start(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
				logger.Info("metrics listening", logging.KeyComponent, "adminserver", "address", admin.Address().String())
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			if admin != nil {
				admin.Stop()
			}
			if err := d.Stop(); err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}

			logger.Info("sshd stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./sshd.yaml", "Path to configuration file")

	return cmd
}

// daemonStatsAdapter adapts daemon.Stats to adminserver.Stats.
type daemonStatsAdapter struct {
	d *daemon.Daemon
}

func (a daemonStatsAdapter) IsRunning() bool { return a.d.IsRunning() }

func (a daemonStatsAdapter) Stats() adminserver.Stats {
	s := a.d.Stats()
	return adminserver.Stats{
		ActiveConnections: s.ActiveConnections,
		TotalConnections:  s.TotalConnections,
	}
}

func genKeyCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a fresh Ed25519 host key",
		Long:  "Generate a fresh Ed25519 host key and write it to the given path.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("refusing to overwrite existing host key at %s", outPath)
			}

			hk, err := hostkey.Generate()
			if err != nil {
				return fmt.Errorf("failed to generate host key: %w", err)
			}
			if err := hk.Store(outPath); err != nil {
				return fmt.Errorf("failed to write host key: %w", err)
			}

			fmt.Printf("Host key written to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "./host_ed25519", "Output path for the generated host key")

	return cmd
}

func hashCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash [password]",
		Short: "Generate a bcrypt hash for use in auth.users",
		Long: `Generate a bcrypt password hash for the auth.users map in the
configuration file.

If no password is provided as an argument, you will be prompted to enter
it interactively (recommended for security).`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string

			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read password: %w", err)
				}

				fmt.Print("Confirm password: ")
				confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("failed to read confirmation: %w", err)
				}

				if string(pwBytes) != string(confirmBytes) {
					return fmt.Errorf("passwords do not match")
				}

				password = string(pwBytes)
			}

			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("failed to generate hash: %w", err)
			}

			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31, higher = slower but more secure)")

	return cmd
}
