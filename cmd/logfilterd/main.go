package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/nats-io/nats.go"

	"github.com/fystack/logfilter/internal/feed"
	"github.com/fystack/logfilter/internal/node"
	"github.com/fystack/logfilter/internal/query"
	"github.com/fystack/logfilter/pkg/common/config"
	"github.com/fystack/logfilter/pkg/common/logger"
	"github.com/fystack/logfilter/pkg/events"
	"github.com/fystack/logfilter/pkg/retry"
	"github.com/fystack/logfilter/pkg/storage"
)

// --- CLI definitions --- //

type CLI struct {
	Run  RunCmd  `cmd:"" help:"Run the log index & filter node."`
	Tail TailCmd `cmd:"" help:"Print committed events published to NATS."`
}

type RunCmd struct {
	ConfigPath string `help:"Path to config file." default:"configs/config.yaml" name:"config"`
	Debug      bool   `help:"Enable debug logs." name:"debug"`
}

type TailCmd struct {
	NATSURL string `help:"NATS server URL." default:"nats://127.0.0.1:4222" name:"nats-url"`
	Subject string `help:"NATS subject to subscribe to." default:"chain.committed.>" name:"subject"`
	LogDir  string `help:"Append logs under this directory." default:"logs" name:"log-dir"`
}

func (c *RunCmd) Run() error {
	runNode(c.ConfigPath, c.Debug)
	return nil
}

func (c *TailCmd) Run() error {
	runTail(c.NATSURL, c.Subject, c.LogDir)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("logfilterd"),
		kong.Description("Ethereum log index, filter and query node."),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

func runNode(configPath string, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger.Init(&logger.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Load config failed", "error", err)
	}
	logger.Info("Config loaded", "path", configPath)

	var db *storage.DB
	if cfg.Storage.InMemory {
		db, err = storage.OpenInMemory()
	} else {
		db, err = storage.Open(cfg.Storage.Path)
	}
	if err != nil {
		logger.Fatal("Open storage failed", "path", cfg.Storage.Path, "error", err)
	}

	var conn *nats.Conn
	err = retry.Exponential(func() error {
		var err error
		conn, err = events.Connect(cfg.NATS)
		return err
	}, retry.ExponentialConfig{
		InitialInterval: 2 * time.Second,
		MaxElapsedTime:  time.Minute,
		OnRetry: func(err error, next time.Duration) {
			logger.Warn("NATS connect failed, retrying", "error", err, "next", next)
		},
	})
	if err != nil {
		logger.Fatal("Connect to NATS failed", "url", cfg.NATS.URL, "error", err)
	}
	defer conn.Close()

	n, err := node.New(db, node.Options{
		FilterTimeout: cfg.Filters.Timeout,
		QueryLimits: query.Limits{
			MaxAddresses:  cfg.Query.MaxAddresses,
			MaxTopics:     cfg.Query.MaxTopics,
			MaxBlockRange: cfg.Query.MaxBlockRange,
		},
		Emitter: events.NewEmitter(conn, cfg.NATS.SubjectPrefix),
	})
	if err != nil {
		logger.Fatal("Open node failed", "error", err)
	}

	f := feed.New(conn, n, cfg.NATS.SubjectPrefix)
	if err := f.Start(); err != nil {
		logger.Fatal("Start feed failed", "error", err)
	}

	if number, hash, ok := n.Head(); ok {
		logger.Info("Node is running", "head", number, "hash", hash)
	} else {
		logger.Info("Node is running on an empty store")
	}

	select {
	case sig := <-shutdownSignal():
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-f.Err():
		logger.Error("Feed stopped", "error", err)
	}

	f.Stop()
	if err := n.Close(); err != nil {
		logger.Error("Close node failed", "error", err)
	}
	logger.Info("Node stopped")
}

func runTail(natsURL, subject, logDir string) {
	logger.Init(&logger.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339,
	})

	if err := os.MkdirAll(logDir, 0755); err != nil {
		logger.Fatal("Create log directory failed", "error", err)
	}
	path := filepath.Join(logDir, "events.log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.Fatal("Open log file failed", "path", path, "error", err)
	}
	defer file.Close()
	out := io.MultiWriter(os.Stdout, file)

	conn, err := nats.Connect(natsURL)
	if err != nil {
		logger.Fatal("Connect to NATS failed", "url", natsURL, "error", err)
	}
	defer conn.Close()

	_, err = conn.Subscribe(subject, func(msg *nats.Msg) {
		fmt.Fprintf(out, "[%s] %s\n", msg.Subject, string(msg.Data))
	})
	if err != nil {
		logger.Fatal("Subscribe failed", "subject", subject, "error", err)
	}
	logger.Info("Subscribed", "subject", subject, "log", path)

	<-shutdownSignal()
	logger.Info("Tail stopped")
}

func shutdownSignal() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}
