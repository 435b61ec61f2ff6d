package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/video-system/go-inference-extension/internal/process"
	"github.com/video-system/go-inference-extension/pkg/api"
	"github.com/video-system/go-inference-extension/pkg/engine"
	"github.com/video-system/go-inference-extension/pkg/extension"
	"github.com/video-system/go-inference-extension/pkg/grpcserver"
	"github.com/video-system/go-inference-extension/pkg/pipeline"
	"github.com/video-system/go-inference-extension/pkg/stream"
	"github.com/video-system/go-inference-extension/pkg/wsserver"
)

const version = "1.0.0"

// server is the lifecycle shared by the three protocol servers.
type server interface {
	Start() error
	Stop()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logrus.WithField("function", "main").Error(err.Error())
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, showVersion, err := loadConfig(args)
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Println(version)
		return nil
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	srv := newServer(cfg, eng)

	logrus.WithFields(logrus.Fields{
		"function":              "main",
		"version":               version,
		"protocol":              cfg.Protocol,
		"engine":                eng.Name(),
		"max_running_pipelines": cfg.MaxRunningPipelines,
	}).Info("Starting inference extension")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case sig := <-sigChan:
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"signal":   sig.String(),
		}).Info("Shutdown signal received")
		srv.Stop()
		<-errCh
	case err := <-errCh:
		srv.Stop()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", cfg.Protocol, err)
		}
	}

	logrus.WithField("function", "main").Info("Extension stopped")
	return nil
}

// loadConfig resolves the configuration. Flags override the environment,
// which overrides the config file, which overrides the defaults.
func loadConfig(args []string) (*extension.Config, bool, error) {
	fs := pflag.NewFlagSet("extension", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "Path to YAML config file")
	protocol := fs.String("protocol", extension.DefaultProtocol, "Protocol to serve: grpc, http or websocket")
	grpcPort := fs.Int("grpc-port", extension.DefaultGRPCPort, "gRPC server port")
	httpPort := fs.Int("http-port", extension.DefaultHTTPPort, "HTTP server port")
	wsPort := fs.Int("ws-port", extension.DefaultWSPort, "Websocket server port")
	maxPipelines := fs.Int("max-running-pipelines", extension.DefaultMaxRunningPipelines, "Maximum number of concurrently running pipelines")
	logLevel := fs.String("log-level", extension.DefaultLogLevel, "Log level: DEBUG, INFO, WARN or ERROR")
	logFormat := fs.String("log-format", extension.DefaultLogFormat, "Log format: text or json")
	engineType := fs.String("engine", extension.DefaultEngine, fmt.Sprintf("Engine type %v", engine.Registered()))
	engineCommand := fs.String("engine-command", "", "Engine binary for the "+process.Name+" engine")
	showVersion := fs.Bool("version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	cfg := extension.Default()
	if *configPath != "" {
		loaded, err := extension.LoadConfig(*configPath)
		if err != nil {
			return nil, false, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, false, err
	}

	if fs.Changed("protocol") {
		cfg.Protocol = *protocol
	}
	if fs.Changed("grpc-port") {
		cfg.GRPCPort = *grpcPort
	}
	if fs.Changed("http-port") {
		cfg.HTTPPort = *httpPort
	}
	if fs.Changed("ws-port") {
		cfg.WSPort = *wsPort
	}
	if fs.Changed("max-running-pipelines") {
		cfg.MaxRunningPipelines = *maxPipelines
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = *logFormat
	}
	if fs.Changed("engine") {
		cfg.Engine.Type = *engineType
	}
	if fs.Changed("engine-command") {
		cfg.Engine.Command = *engineCommand
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, *showVersion, nil
}

func setupLogging(cfg extension.LogConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	logrus.SetLevel(level)
	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func newServer(cfg *extension.Config, eng engine.Engine) server {
	streamOpts := stream.Options{
		MaxStreams:        cfg.MaxRunningPipelines,
		InputQueueSize:    cfg.Pipeline.StreamQueueSize,
		ResponseTimeout:   cfg.Pipeline.ResponseTimeout,
		CompletionTimeout: cfg.Pipeline.CompletionTimeout,
	}

	switch cfg.Protocol {
	case extension.ProtocolHTTP:
		return api.NewServer(api.ServerConfig{
			Host:              cfg.Host,
			Port:              cfg.HTTPPort,
			Engine:            eng,
			Limiter:           pipeline.NewLimiter(cfg.MaxRunningPipelines),
			InputQueueSize:    cfg.Pipeline.HTTPQueueSize,
			ResponseTimeout:   cfg.Pipeline.ResponseTimeout,
			CompletionTimeout: cfg.Pipeline.CompletionTimeout,
		})
	case extension.ProtocolWebsocket:
		return wsserver.NewServer(wsserver.Config{
			Host:   cfg.Host,
			Port:   cfg.WSPort,
			Engine: eng,
			Stream: streamOpts,
		})
	default:
		return grpcserver.NewServer(grpcserver.Config{
			Host:   cfg.Host,
			Port:   cfg.GRPCPort,
			Engine: eng,
			Stream: streamOpts,
		})
	}
}
