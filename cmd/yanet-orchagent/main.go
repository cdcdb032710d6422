package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yanet-platform/orchagent/internal/daemon"
	"github.com/yanet-platform/orchagent/internal/diag"
	"github.com/yanet-platform/orchagent/internal/logging"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/xcmd"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// FeedPath overrides the feed path from the configuration.
	FeedPath string
}

var rootCmd = &cobra.Command{
	Use:   "yanet-orchagent",
	Short: "Switch object orchestration agent",
	Run: func(rawCmd *cobra.Command, args []string) {
		if err := run(cmd); err != nil {
			var interrupted xcmd.Interrupted
			if errors.As(err, &interrupted) {
				return
			}

			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

// DiagCmd is the command line arguments of diagnostics queries.
type DiagCmd struct {
	// Endpoint is the diagnostics API address of a running agent.
	Endpoint string
}

var diagCmd DiagCmd

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Print entries a running agent has not applied yet",
	RunE: func(rawCmd *cobra.Command, args []string) error {
		return query(rawCmd.Context(), diagCmd, (*diag.Client).DumpPending)
	},
}

var criticalCmd = &cobra.Command{
	Use:   "critical",
	Short: "Print objects a running agent left in an unknown state",
	RunE: func(rawCmd *cobra.Command, args []string) error {
		return query(rawCmd.Context(), diagCmd, (*diag.Client).Critical)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.Flags().StringVarP(&cmd.FeedPath, "feed", "f", "", "Path to the diff stream, \"-\" for stdin")
	rootCmd.MarkFlagRequired("config")

	rootCmd.PersistentFlags().StringVarP(&diagCmd.Endpoint, "endpoint", "e", "[::1]:8071", "Diagnostics API endpoint")
	rootCmd.AddCommand(pendingCmd, criticalCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := daemon.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.FeedPath != "" {
		cfg.Feed = cmd.FeedPath
	}

	log, _, err := logging.Init(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer log.Sync()

	publisher := orch.MultiPublisher{orch.NewLogPublisher(log.Named("ack"))}
	if cfg.Ack != "" {
		f, err := os.OpenFile(cfg.Ack, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open ack stream: %w", err)
		}
		defer f.Close()

		acks := orch.NewYAMLPublisher(f, log)
		defer acks.Close()
		publisher = append(publisher, acks)
	}

	d, err := daemon.NewDaemon(cfg, daemon.WithLog(log), daemon.WithPublisher(publisher))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return d.Run(ctx)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

func query(
	ctx context.Context,
	cmd DiagCmd,
	call func(*diag.Client, context.Context) ([]string, error),
) error {
	conn, err := grpc.NewClient(cmd.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %q: %w", cmd.Endpoint, err)
	}
	defer conn.Close()

	lines, err := call(diag.NewClient(conn), ctx)
	if err != nil {
		return fmt.Errorf("failed to query agent: %w", err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}
