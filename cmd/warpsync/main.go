// Command warpsync runs the fast-warp state synchronizer as a standalone
// process: it wires up the on-disk store and the Coordinator state
// machine, then waits for an embedding host to supply peers. This binary
// has no network transport of its own — connecting sync.Peer to a real
// wire protocol is a host's job, not this module's.
//
// Usage:
//
//	warpsync [flags]
//
// Flags:
//
//	-loglevel              Log verbosity: debug, info, warn, error (default: "info")
//	-node-data-batch       Node-data batch size checked at startup (default: 20)
//	-num-blocks-headers    Blocks behind head the pivot is chosen (default: 50000)
//	-blocks-delta-start    Header lead needed before state sync starts (default: 3000)
//	-peer-timeout          Per round-trip peer timeout (default: 30s)
//	-version               Print version and exit
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/warpsync/warpsync/core/rawdb"
	slogpkg "github.com/warpsync/warpsync/log"
	"github.com/warpsync/warpsync/sync"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.1.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

// run is the actual entry point, returning an exit code so the binary can
// be exercised without calling os.Exit directly.
func run() int {
	cfg := sync.DefaultConfig()

	loglevel := flag.String("loglevel", "info", "log verbosity (debug, info, warn, error)")
	flag.IntVar(&cfg.NodeDataBatchSize, "node-data-batch", cfg.NodeDataBatchSize, "node-data batch size checked at startup (trie sync batches by the fixed NodeDataBatchSize constant)")
	numBlocksHeaders := flag.Uint64("num-blocks-headers", cfg.NumBlocksHeaders, "blocks behind head the pivot block is chosen")
	blocksDeltaStart := flag.Uint64("blocks-delta-start", cfg.BlocksDeltaStartSync, "header lead needed before state sync starts")
	peerTimeout := flag.Duration("peer-timeout", cfg.PeerTimeout, "per round-trip peer timeout")
	showVersion := flag.Bool("version", false, "print version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("warpsync %s (commit %s)\n", version, commit)
		return 0
	}

	cfg.NumBlocksHeaders = *numBlocksHeaders
	cfg.BlocksDeltaStartSync = *blocksDeltaStart
	cfg.PeerTimeout = *peerTimeout

	if err := setLogLevel(*loglevel); err != nil {
		fmt.Fprintf(os.Stderr, "warpsync: %v\n", err)
		return 1
	}
	cfg.Logger = slogpkg.Default().Module("warpsync")

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "warpsync: invalid configuration: %v\n", err)
		return 1
	}

	store := sync.NewStore(rawdb.NewMemoryDB())
	coordinator, err := sync.NewCoordinator(cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warpsync: %v\n", err)
		return 1
	}

	slogpkg.Info("warpsync starting",
		"version", version,
		"num_blocks_headers", cfg.NumBlocksHeaders,
		"blocks_delta_start_sync", cfg.BlocksDeltaStartSync,
		"node_data_batch_size", cfg.NodeDataBatchSize,
	)
	slogpkg.Info("waiting for an embedding host to attach peers and drive Coordinator.Request/Process",
		"phase", coordinator.Phase().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slogpkg.Info("received signal, shutting down", "signal", sig.String())

	return 0
}

// setLogLevel configures the package-level default logger's verbosity.
func setLogLevel(level string) error {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}
	slogpkg.SetDefault(slogpkg.New(l))
	return nil
}
