// trie_downloader.go reconciles the account trie the state downloader built
// from a flat snapshot against the fresh state root the chain has moved to
// by the time that snapshot finished streaming. It walks the new root
// top-down, fetching whatever nodes are missing from the store and treating
// anything already present as shared with the snapshot tree — no refetch,
// no rehash.
package sync

import (
	"errors"
	"fmt"
	"sort"

	"github.com/warpsync/warpsync/core/state"
	"github.com/warpsync/warpsync/core/types"
	"github.com/warpsync/warpsync/crypto"
	"github.com/warpsync/warpsync/log"
	"github.com/warpsync/warpsync/trie"
)

// Errors returned while reconciling a trie.
var (
	ErrNoPendingRequests = errors.New("trie downloader: no pending requests for peer")
	ErrResponseMismatch  = errors.New("trie downloader: response count does not match request")
)

// TrieDownloader reconciles the trie rooted at target against whatever the
// store already holds, fetching only nodes that are genuinely new.
type TrieDownloader struct {
	store  *Store
	log    *log.Logger
	target types.Hash

	// nodeDataQueries holds hashes known to be needed but not yet sent in
	// a request.
	nodeDataQueries map[types.Hash]struct{}

	// nodeDataRequests records the kind of every hash ever queued, so a
	// node arriving in a response can be interpreted correctly.
	nodeDataRequests map[types.Hash]RequestKind

	// nodeDataPrefixes records the nibble path at which each hash was
	// discovered, for diagnostics and for telling a storage node's path
	// apart from an account node's.
	nodeDataPrefixes map[types.Hash][]byte

	// inFlightRequests tracks which hashes are outstanding against which
	// peer, so a dead peer's work can be requeued.
	inFlightRequests map[string][]types.Hash

	// commonNodes is the set of hashes found already present in the
	// store: nodes the snapshot trie and the reconciliation target trie
	// both reference, and therefore never fetched or re-verified.
	commonNodes map[types.Hash]struct{}

	nFetched int
}

// NewTrieDownloader creates a TrieDownloader that will reconcile the trie
// rooted at target.
func NewTrieDownloader(store *Store, target types.Hash) *TrieDownloader {
	d := &TrieDownloader{
		store:            store,
		log:              log.Default().Module("triedownloader"),
		target:           target,
		nodeDataQueries:  make(map[types.Hash]struct{}),
		nodeDataRequests: make(map[types.Hash]RequestKind),
		nodeDataPrefixes: make(map[types.Hash][]byte),
		inFlightRequests: make(map[string][]types.Hash),
		commonNodes:      make(map[types.Hash]struct{}),
	}
	d.queue(target, RequestState, nil)
	return d
}

// queue adds a hash to the pending set unless it is already known (queued,
// in flight, or already resolved as common).
func (d *TrieDownloader) queue(h types.Hash, kind RequestKind, prefix []byte) {
	if h.IsZero() {
		return
	}
	if _, ok := d.nodeDataRequests[h]; ok {
		return
	}
	if d.store.Contains(h) {
		d.commonNodes[h] = struct{}{}
		d.store.Reference(h)
		return
	}
	d.nodeDataRequests[h] = kind
	d.nodeDataPrefixes[h] = prefix
	d.nodeDataQueries[h] = struct{}{}
}

// NextBatch returns up to NodeDataBatchSize hashes to request from peer,
// in sorted order, and marks them in flight against that peer. It returns
// nil once there is nothing left to request.
func (d *TrieDownloader) NextBatch(peer string) []types.Hash {
	if len(d.nodeDataQueries) == 0 {
		return nil
	}

	hashes := make([]types.Hash, 0, len(d.nodeDataQueries))
	for h := range d.nodeDataQueries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Hex() < hashes[j].Hex() })

	if len(hashes) > NodeDataBatchSize {
		hashes = hashes[:NodeDataBatchSize]
	}
	for _, h := range hashes {
		delete(d.nodeDataQueries, h)
	}
	d.inFlightRequests[peer] = append(d.inFlightRequests[peer], hashes...)
	return hashes
}

// Requeue returns every hash outstanding against peer to the pending queue,
// used when a peer disconnects or times out mid-request.
func (d *TrieDownloader) Requeue(peer string) {
	for _, h := range d.inFlightRequests[peer] {
		if _, ok := d.nodeDataRequests[h]; ok {
			d.nodeDataQueries[h] = struct{}{}
		}
	}
	delete(d.inFlightRequests, peer)
}

// Process ingests a NodeData response for the batch most recently requested
// from peer. hashes must be the same slice NextBatch returned, data the raw
// node bytes in the same order; a missing entry is represented by a nil
// slice element and is simply requeued. A response whose length differs
// from hashes returns every hash outstanding against peer to the queue and
// reports OutcomeInvalid.
func (d *TrieDownloader) Process(peer string, hashes []types.Hash, data [][]byte) (Outcome, error) {
	if len(hashes) != len(data) {
		d.Requeue(peer)
		return OutcomeInvalid, fmt.Errorf("%w: %d hashes, %d blobs", ErrResponseMismatch, len(hashes), len(data))
	}
	inFlight := d.inFlightRequests[peer]
	if len(inFlight) == 0 {
		return OutcomeInvalid, ErrNoPendingRequests
	}
	delete(d.inFlightRequests, peer)

	for i, h := range hashes {
		blob := data[i]
		if blob == nil {
			d.log.Warn("node data missing from response", "hash", h.Hex(), "peer", peer)
			d.nodeDataQueries[h] = struct{}{}
			continue
		}
		if err := d.ingest(h, blob); err != nil {
			d.log.Warn("dropping dead-end node", "hash", h.Hex(), "err", err)
			continue
		}
		d.nFetched++
	}

	if d.Done() {
		return OutcomeNextStep, nil
	}
	return OutcomeContinue, nil
}

// ingest validates, stores, and expands the children of one fetched node.
// A hash mismatch is treated as a dead end: the bytes are not trusted for
// storage or for traversal, and the branch is simply never completed.
func (d *TrieDownloader) ingest(h types.Hash, blob []byte) error {
	if got := crypto.Keccak256Hash(blob); got != h {
		return fmt.Errorf("hash mismatch: computed %s, want %s", got.Hex(), h.Hex())
	}

	kind := d.nodeDataRequests[h]
	prefix := d.nodeDataPrefixes[h]

	if kind == RequestCode {
		stored := d.store.Insert(blob)
		d.store.Reference(stored)
		return nil
	}

	raw, err := trie.DecodeRawNode(blob)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	stored := d.store.Insert(blob)
	d.store.Reference(stored)

	switch raw.Kind {
	case trie.RawNodeLeaf:
		d.expandLeaf(kind, prefix, raw)
	case trie.RawNodeExtension:
		if raw.Child != nil && raw.Child.Hash != nil {
			childPrefix := append(append([]byte{}, prefix...), raw.Path...)
			d.queue(types.BytesToHash(raw.Child.Hash), kind, childPrefix)
		}
	case trie.RawNodeBranch:
		for i, child := range raw.Children {
			if child == nil || child.Hash == nil {
				continue
			}
			childPrefix := append(append([]byte{}, prefix...), byte(i))
			d.queue(types.BytesToHash(child.Hash), kind, childPrefix)
		}
		if len(raw.Value) > 0 && kind == RequestState {
			d.log.Warn("unexpected branch value in state trie", "hash", h.Hex())
		}
	}
	return nil
}

// expandLeaf queues the storage root and code hash referenced by an account
// leaf, or does nothing for a storage leaf (a plain value, nothing to
// recurse into).
func (d *TrieDownloader) expandLeaf(kind RequestKind, prefix []byte, raw *trie.RawNode) {
	if kind != RequestState {
		return
	}
	d.expandAccountValue(raw.Value)
}

func (d *TrieDownloader) expandAccountValue(value []byte) {
	acc, err := state.DecodeAccount(value)
	if err != nil {
		d.log.Warn("undecodable account value during reconciliation", "err", err)
		return
	}
	if !acc.Root.IsZero() && acc.Root != types.EmptyRootHash {
		d.queue(acc.Root, RequestStorage, nil)
	}
	codeHash := types.BytesToHash(acc.CodeHash)
	if codeHash != types.EmptyCodeHash && !codeHash.IsZero() {
		d.queue(codeHash, RequestCode, nil)
	}
}

// Done reports whether the reconciliation has nothing left outstanding and
// the target itself has resolved.
func (d *TrieDownloader) Done() bool {
	if len(d.nodeDataQueries) > 0 {
		return false
	}
	for _, hashes := range d.inFlightRequests {
		if len(hashes) > 0 {
			return false
		}
	}
	return d.store.Contains(d.target)
}

// CommonNodes returns the set of hashes found already shared between the
// snapshot trie and the reconciliation target, for the Pruner to preserve.
func (d *TrieDownloader) CommonNodes() map[types.Hash]struct{} {
	return d.commonNodes
}

// Fetched returns how many distinct nodes were actually downloaded.
func (d *TrieDownloader) Fetched() int {
	return d.nFetched
}

// Target returns the root this downloader is reconciling toward.
func (d *TrieDownloader) Target() types.Hash {
	return d.target
}
