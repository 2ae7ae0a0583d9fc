package utils

import (
	"fmt"
	"io"
	"time"

	"github.com/richardartoul/kvtx/txn/store"
	"github.com/richardartoul/kvtx/txn/store/fdbstore"
	"github.com/richardartoul/kvtx/txn/store/memstore"

	"golang.org/x/exp/slog"
)

// ParseLog builds a logger writing to w from the level and format flag
// values.
func ParseLog(w io.Writer, logLevel, logFormat string) (*slog.Logger, error) {
	levels := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	level, ok := levels[logLevel]
	if !ok {
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	opts := slog.HandlerOptions{Level: level}
	switch logFormat {
	case "json":
		return slog.New(opts.NewJSONHandler(w)), nil
	case "text":
		return slog.New(opts.NewTextHandler(w)), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
}

// ParseBackend creates the store client named by backend. Valid options are
// "memory" (in-process, optionally with artificial latency) and
// "foundationdb" (clusterFile may be empty to use the default cluster file).
func ParseBackend(backend, clusterFile string, latency time.Duration) (store.Client, error) {
	switch backend {
	case "memory":
		return memstore.New(memstore.Options{Latency: latency}), nil
	case "foundationdb":
		return fdbstore.New(clusterFile)
	default:
		return nil, fmt.Errorf("invalid backend: %s", backend)
	}
}
