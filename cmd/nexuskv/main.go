package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/nexuskv/config"
	"github.com/INLOpen/nexuskv/core"
	"github.com/INLOpen/nexuskv/engine"
	"github.com/INLOpen/nexuskv/raft"
	"github.com/INLOpen/nexuskv/server"
	"github.com/INLOpen/nexuskv/wal"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func parseCompression(name string) (core.CompressionType, error) {
	switch strings.ToLower(name) {
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	case "none", "":
		return core.CompressionNone, nil
	default:
		return core.CompressionNone, fmt.Errorf("invalid compression %q", name)
	}
}

func parseWALSyncMode(name string) (wal.WALSyncMode, error) {
	switch strings.ToLower(name) {
	case "always", "":
		return wal.SyncAlways, nil
	case "interval":
		return wal.SyncInterval, nil
	case "disabled":
		return wal.SyncDisabled, nil
	default:
		return "", fmt.Errorf("invalid wal sync_mode %q", name)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration %s: %w", *configPath, err)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.Node.DataDir == "" {
		return fmt.Errorf("node data_dir must be specified in the configuration file")
	}
	logger.Info("Using data directory", "path", cfg.Node.DataDir)

	compression, err := parseCompression(cfg.Engine.SSTable.Compression)
	if err != nil {
		return err
	}
	syncMode, err := parseWALSyncMode(cfg.Engine.WAL.SyncMode)
	if err != nil {
		return err
	}

	eng, err := engine.NewStorageEngine(engine.StorageEngineOptions{
		DataDir:                      cfg.Node.DataDir,
		MemtableThreshold:            cfg.Engine.Memtable.SizeThresholdBytes,
		MaxL0Files:                   cfg.Engine.Compaction.L0TriggerFileCount,
		MaxLevels:                    cfg.Engine.Compaction.MaxLevels,
		BaseTargetSize:               cfg.Engine.Compaction.BaseTargetSizeBytes,
		LevelsTargetSizeMultiplier:   cfg.Engine.Compaction.LevelsSizeMultiplier,
		CompactionInterval:           config.ParseDuration(cfg.Engine.Compaction.CheckInterval, 10*time.Second, logger),
		BackgroundMaxRetries:         cfg.Engine.BackgroundMaxRetries,
		BloomFilterFalsePositiveRate: cfg.Engine.SSTable.BloomFilterFPRate,
		BlockSize:                    cfg.Engine.SSTable.BlockSizeBytes,
		SSTableCompression:           compression,
		WALSyncMode:                  syncMode,
		WALFlushInterval:             config.ParseDuration(cfg.Engine.WAL.FlushInterval, time.Second, logger),
		WALMaxSegmentSize:            cfg.Engine.WAL.MaxSegmentSizeBytes,
		Logger:                       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open storage engine: %w", err)
	}
	if err := eng.Start(); err != nil {
		eng.Close()
		return fmt.Errorf("failed to start storage engine: %w", err)
	}

	transport := server.NewHTTPTransport(cfg.Node.Peers)
	node, err := raft.NewNode(raft.Config{
		ID:                 cfg.Node.ID,
		Peers:              cfg.Node.Peers,
		DataDir:            cfg.Node.DataDir,
		ElectionTimeoutMin: config.ParseDuration(cfg.Raft.ElectionTimeoutMin, 150*time.Millisecond, logger),
		ElectionTimeoutMax: config.ParseDuration(cfg.Raft.ElectionTimeoutMax, 300*time.Millisecond, logger),
		HeartbeatInterval:  config.ParseDuration(cfg.Raft.HeartbeatInterval, 50*time.Millisecond, logger),
		RPCTimeout:         config.ParseDuration(cfg.Raft.RPCTimeout, 150*time.Millisecond, logger),
		SnapshotThreshold:  cfg.Raft.SnapshotThreshold,
		Logger:             logger,
	}, eng, transport)
	if err != nil {
		eng.Close()
		return fmt.Errorf("failed to create raft node: %w", err)
	}
	node.Start()

	srv := server.NewServer(eng, node, server.Options{
		ListenAddress:   cfg.Node.ListenAddress,
		RequestTimeout:  config.ParseDuration(cfg.Server.RequestTimeout, 5*time.Second, logger),
		ShutdownTimeout: config.ParseDuration(cfg.Server.ShutdownTimeout, 10*time.Second, logger),
		Logger:          logger,
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down...", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}

	srv.Stop()
	node.Stop()
	if err := eng.Close(); err != nil {
		logger.Error("Failed to close storage engine cleanly", "error", err)
		return err
	}
	logger.Info("Shutdown complete.")
	return nil
}

func main() {
	if err := run(); err != nil {
		slog.Error("nexuskv failed", "error", err)
		os.Exit(1)
	}
}
