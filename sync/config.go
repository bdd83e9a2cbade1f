package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/warpsync/warpsync/log"
)

// ErrInvalidConfig is returned by Validate when a Config field is out of
// range.
var ErrInvalidConfig = errors.New("sync: invalid config")

// Config tunes the fast-warp pipeline. DefaultConfig returns a fully
// populated Config; NewCoordinator runs Validate and rejects a Config that
// fails it. Zero-value fields are not filled in.
type Config struct {
	// BlocksDeltaStartSync is how close the local head must be to the
	// network's highest block before BlockSync hands off to StateSync.
	BlocksDeltaStartSync uint64

	// NumBlocksHeaders sets how far behind the highest block the pivot
	// block is chosen.
	NumBlocksHeaders uint64

	// NodeDataBatchSize is checked by Validate. TrieSync batches are capped
	// by the package constant NodeDataBatchSize, not by this field.
	NodeDataBatchSize int

	// PeerTimeout is a per-round-trip timeout for the host that issues the
	// Coordinator's requests. The Coordinator never waits on a peer and does
	// not read it; a host reports a lost request through Cancel.
	PeerTimeout time.Duration

	// Logger receives the coordinator's structured log output. Defaults
	// to log.Default().Module("coordinator") when nil.
	Logger *log.Logger
}

// DefaultConfig returns a Config using the module's standard tuning
// constants.
func DefaultConfig() Config {
	return Config{
		BlocksDeltaStartSync: BlocksDeltaStartSync,
		NumBlocksHeaders:     NumBlocksHeaders,
		NodeDataBatchSize:    NodeDataBatchSize,
		PeerTimeout:          30 * time.Second,
	}
}

// Validate checks that every field is within a usable range.
func (c Config) Validate() error {
	if c.NumBlocksHeaders == 0 {
		return fmt.Errorf("%w: num blocks headers must be > 0", ErrInvalidConfig)
	}
	if c.NodeDataBatchSize <= 0 {
		return fmt.Errorf("%w: node data batch size must be > 0", ErrInvalidConfig)
	}
	if c.PeerTimeout <= 0 {
		return fmt.Errorf("%w: peer timeout must be > 0", ErrInvalidConfig)
	}
	return nil
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default().Module("coordinator")
}
