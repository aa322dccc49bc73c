package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/distbuild/pkg/embedded"
	"github.com/cuemby/distbuild/pkg/executor"
	"github.com/cuemby/distbuild/pkg/log"
	"github.com/cuemby/distbuild/pkg/runtime"
	"github.com/cuemby/distbuild/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "distbuild-worker",
	Short:   "distbuild worker - claims queued jobs and drives the sandbox executor",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"distbuild-worker version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().String("server", "http://127.0.0.1:8080", "Coordinator base URL")
	rootCmd.Flags().String("worker-token", envOr("DISTBUILD_WORKER_SHARED_TOKEN", ""), "Shared token the coordinator expects from workers")
	rootCmd.Flags().String("worker-id", "worker", "Identifier this worker reports to the coordinator")
	rootCmd.Flags().Duration("poll-interval", time.Second, "How long to sleep between claim attempts when the queue is empty")
	rootCmd.Flags().Bool("use-containerd", false, "Enable the containerd sandbox backend (local sandbox is always available)")
	rootCmd.Flags().String("containerd-socket", "", "containerd socket path (defaults to /run/containerd/containerd.sock)")
	rootCmd.Flags().Bool("bootstrap-containerd", false, "Start containerd ourselves at its own socket under containerd-data-dir; containerd-socket is ignored with this flag (requires a containerd binary on PATH)")
	rootCmd.Flags().String("containerd-data-dir", embedded.DefaultDataDir, "Data directory for a self-started containerd (only used with bootstrap-containerd)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runWorker(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("worker-token")
	workerID, _ := cmd.Flags().GetString("worker-id")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	useContainerd, _ := cmd.Flags().GetBool("use-containerd")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	bootstrapContainerd, _ := cmd.Flags().GetBool("bootstrap-containerd")
	containerdDataDir, _ := cmd.Flags().GetString("containerd-data-dir")

	if token == "" {
		log.Logger.Warn().Msg("worker-token is empty; the coordinator will reject every claim with 401")
	}

	var containerRuntime *runtime.ContainerdRuntime
	if useContainerd {
		socket := containerdSocket

		if bootstrapContainerd {
			if socket != "" {
				log.Logger.Warn().Msg("bootstrap-containerd ignores containerd-socket; self-starting at its own socket path")
			}
			mgr, err := embedded.EnsureContainerd(context.Background(), containerdDataDir, false)
			if err != nil {
				return fmt.Errorf("bootstrap containerd: %w", err)
			}
			defer mgr.Stop()
			socket = mgr.SocketPath()
			log.Logger.Info().Str("socket", socket).Msg("self-started containerd ready")
		}

		var err error
		containerRuntime, err = runtime.NewContainerdRuntime(socket)
		if err != nil {
			return fmt.Errorf("connect to containerd: %w", err)
		}
		defer containerRuntime.Close()
		log.Logger.Info().Str("socket", socket).Msg("containerd sandbox backend enabled")
	}

	exec := executor.New(containerRuntime)

	w := worker.New(worker.Config{
		ServerURL:    server,
		WorkerID:     workerID,
		WorkerToken:  token,
		PollInterval: pollInterval,
	}, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Logger.Info().Msg("shutting down")
		w.Stop()
		cancel()
	}()

	log.Logger.Info().Str("server", server).Str("worker_id", workerID).Msg("starting worker")
	w.Run(ctx)
	log.Logger.Info().Msg("shutdown complete")
	return nil
}
