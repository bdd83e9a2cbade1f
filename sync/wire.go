// wire.go defines the request/response contract the fast-warp synchronizer
// depends on. The synchronizer never touches a socket or a peer's wire
// framing directly; a host implements Peer against its own transport.
package sync

import (
	"math/big"

	"github.com/warpsync/warpsync/core/types"
)

// Tuning constants for the fast-warp pipeline.
const (
	// BlocksDeltaStartSync is how close the local head must be to the
	// network's reported highest block before leaving BlockSync.
	BlocksDeltaStartSync = 3000

	// NumBlocksHeaders is how far behind the highest block the pivot
	// block (whose state root is the reconciliation target) is chosen.
	NumBlocksHeaders = 50000

	// NodeDataBatchSize is the maximum number of hashes requested in a
	// single NodeData round trip.
	NodeDataBatchSize = 20
)

// StorageEntry is one (key, value) pair from an account's storage, as
// carried in a FastWarpData response.
type StorageEntry struct {
	Key   types.Hash
	Value []byte
}

// AccountEntry is one account record from a FastWarpData response: its
// header fields, its code if present, and however much of its storage the
// peer included in this chunk.
type AccountEntry struct {
	AccountHash types.Hash
	Nonce       uint64
	Balance     *big.Int
	StorageRoot types.Hash
	Code        []byte // nil if the account has no code, or code is already known
	HasCode     bool   // true iff Code should be trusted (account is a contract and code follows)
	Storage     []StorageEntry
}

// FastWarpResponse is the decoded reply to a FastWarpData request.
type FastWarpResponse struct {
	Accounts []AccountEntry

	// Terminal, if true, tells the downloader the snapshot stream is
	// exhausted after this chunk, without requiring the legacy
	// single-entry-no-storage signal.
	Terminal bool
}

// RequestKind identifies which trie a queued node-data hash belongs to,
// so the reconciler knows how to interpret the node once it arrives.
type RequestKind int

// Kinds of outstanding node-data requests.
const (
	RequestState RequestKind = iota
	RequestStorage
	RequestCode
)

// String implements fmt.Stringer.
func (k RequestKind) String() string {
	switch k {
	case RequestState:
		return "state"
	case RequestStorage:
		return "storage"
	case RequestCode:
		return "code"
	default:
		return "unknown"
	}
}

// Peer is the narrow contract the synchronizer needs from a connected
// remote: total difficulty and header lookups to bootstrap the pivot, a
// flat state-snapshot stream, and raw trie-node fetches by hash. A host
// adapts its own transport and peer-scoring to this interface; the
// synchronizer never selects peers or frames wire messages itself.
type Peer interface {
	// ID returns a stable identifier for the peer, used to key in-flight
	// request bookkeeping.
	ID() string

	// RequestTotalDifficulty returns the total difficulty at the given
	// block number.
	RequestTotalDifficulty(blockNumber uint64) (*big.Int, error)

	// RequestBlockHeader returns the header at the given block number.
	RequestBlockHeader(blockNumber uint64) (*types.Header, error)

	// RequestFastWarpData streams the next chunk of the flat account
	// snapshot starting at the given cursor.
	RequestFastWarpData(nextAccount, nextStorageKey types.Hash) (*FastWarpResponse, error)

	// RequestNodeData fetches the raw RLP encodings of the given node
	// hashes, in the same order as requested.
	RequestNodeData(hashes []types.Hash) ([][]byte, error)
}
