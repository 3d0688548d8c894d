package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/rigmarket/rigagent/pkg/agent"
	"github.com/rigmarket/rigagent/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	rootCmd = &cobra.Command{
		Use:   "rigagent",
		Short: "Rig agent - turns a GPU host into a rentable compute node",
		Long: `The rig agent registers the host with the marketplace control plane, polls
for container tasks, provisions them on the local Docker engine and reports
their status and the host's utilization.`,
		SilenceUsage: true,
		RunE:         run,
	}
)

func init() {
	cobra.OnInitialize(readConfigFile)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file path (YAML)")
	flags.String("secret-key", "", "Agent secret key issued by the marketplace")
	flags.String("api-url", "", "Control plane base URL")
	flags.String("data-dir", "/var/lib/rigagent", "Data directory holding the agent identity")
	flags.String("location", "", "Host location reported to the control plane")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("metrics-addr", "0.0.0.0:9090", "Metrics server bind address")
	flags.String("health-addr", "0.0.0.0:9091", "gRPC health server bind address")
	flags.Duration("heartbeat-interval", 5*time.Minute, "Heartbeat interval")
	flags.Duration("request-timeout", 10*time.Second, "Control plane request timeout")
	flags.Duration("poll-timeout", 15*time.Second, "Task pull timeout")
	flags.Duration("poll-short-backoff", 10*time.Second, "Delay between polls")
	flags.Duration("poll-long-backoff", 60*time.Second, "Delay between polls after repeated errors")
	flags.Int("poll-error-threshold", 5, "Consecutive errors before switching to the long backoff")
	flags.String("docker-host", "", "Docker engine endpoint (default DOCKER_HOST)")
	flags.String("docker-api-version", "", "Pin the Docker engine API version")
	flags.Duration("readiness-interval", 2*time.Second, "Delay between container readiness probes")
	flags.Duration("readiness-timeout", 60*time.Second, "Container readiness deadline")
	flags.String("readiness-mode", "tcp", "Readiness probe (tcp, ssh)")
	flags.String("readiness-host", "127.0.0.1", "Address the readiness probe dials")
	flags.Duration("provision-timeout", 10*time.Minute, "Deadline for provisioning one task")
	flags.Int("container-disk-gb", 20, "Disk each running container is assumed to use")
	flags.Bool("name-with-username", false, "Append the SSH username to container names")
	flags.Bool("tracing-enabled", false, "Export traces over OTLP")
	flags.String("tracing-endpoint", "localhost:4317", "OTLP gRPC collector endpoint")
	flags.Float64("tracing-sample-rate", 1.0, "Trace sampling rate")
	flags.String("output", "table", "Output format: table, json, yaml")

	bindings := map[string]string{
		"config":                       "config",
		"secret_key":                   "secret-key",
		"api_url":                      "api-url",
		"data_dir":                     "data-dir",
		"location":                     "location",
		"log_level":                    "log-level",
		"metrics_addr":                 "metrics-addr",
		"health_addr":                  "health-addr",
		"heartbeat_interval":           "heartbeat-interval",
		"request_timeout":              "request-timeout",
		"poll.timeout":                 "poll-timeout",
		"poll.short_backoff":           "poll-short-backoff",
		"poll.long_backoff":            "poll-long-backoff",
		"poll.error_threshold":         "poll-error-threshold",
		"docker.host":                  "docker-host",
		"docker.api_version":           "docker-api-version",
		"readiness.interval":           "readiness-interval",
		"readiness.timeout":            "readiness-timeout",
		"readiness.mode":               "readiness-mode",
		"readiness.host":               "readiness-host",
		"provision.timeout":            "provision-timeout",
		"provision.container_disk_gb":  "container-disk-gb",
		"provision.name_with_username": "name-with-username",
		"tracing.enabled":              "tracing-enabled",
		"tracing.endpoint":             "tracing-endpoint",
		"tracing.sample_rate":          "tracing-sample-rate",
		"output":                       "output",
	}
	for key, flag := range bindings {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	// RIGAGENT_SECRET_KEY, RIGAGENT_POLL_TIMEOUT, ...
	viper.SetEnvPrefix("RIGAGENT")
	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()

	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(newInspectCommand())
	rootCmd.AddCommand(newIdentityCommand())
	rootCmd.AddCommand(newContainersCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func readConfigFile() {
	path := viper.GetString("config")
	if path == "" {
		return
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config file %s: %v\n", path, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := observability.NewLogger(viper.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting rig agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	config, err := configFromViper(viper.GetViper())
	if err != nil {
		return err
	}
	config.Tracing.ServiceVersion = Version

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	tracer, err := observability.NewTracerProvider(config.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	metricsServer := observability.NewMetricsServer(config.MetricsAddr, logger)
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	agentInstance, err := agent.New(config, agent.Deps{}, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	grpcServer, healthServer, listener, err := setupHealthServer(config.HealthAddr, logger)
	if err != nil {
		return fmt.Errorf("failed to setup health server: %w", err)
	}

	go func() {
		logger.Info("Starting gRPC health server", zap.String("addr", config.HealthAddr))
		if err := grpcServer.Serve(listener); err != nil {
			logger.Error("gRPC health server error", zap.Error(err))
		}
	}()

	if err := agentInstance.Start(ctx); err != nil {
		agentInstance.Stop()
		shutdown(logger, grpcServer, metricsServer, tracer)
		return fmt.Errorf("failed to start agent: %w", err)
	}

	metricsServer.SetReady(true)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	logger.Info("Agent is running", zap.String("agent_id", agentInstance.AgentID()))

	sig := <-sigCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	metricsServer.SetReady(false)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	cancel()

	if err := agentInstance.Stop(); err != nil {
		logger.Error("Error stopping agent", zap.Error(err))
	}
	shutdown(logger, grpcServer, metricsServer, tracer)

	logger.Info("Agent stopped")
	return nil
}

func shutdown(logger *zap.Logger, grpcServer *grpc.Server, metricsServer *observability.MetricsServer, tracer *observability.TracerProvider) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcServer.GracefulStop()

	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping metrics server", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down tracer", zap.Error(err))
	}
}

// setupHealthServer serves grpc.health.v1 so supervisors can probe the agent.
// The status stays NOT_SERVING until the agent has registered.
func setupHealthServer(addr string, logger *zap.Logger) (*grpc.Server, *health.Server, net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(
			observability.UnaryTracingInterceptor(),
			observability.UnaryServerInterceptor(logger),
			observability.UnaryMetricsInterceptor(),
		),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return grpcServer, healthServer, listener, nil
}
