// state_downloader.go ingests the flat account/storage snapshot a peer
// streams in FastWarpData responses, building the account trie and each
// account's storage trie incrementally as chunks arrive.
package sync

import (
	"errors"
	"fmt"

	"github.com/warpsync/warpsync/core/state"
	"github.com/warpsync/warpsync/core/types"
	"github.com/warpsync/warpsync/log"
	"github.com/warpsync/warpsync/trie"
)

// Errors returned while ingesting a flat-snapshot chunk.
var (
	ErrMalformedChunk  = errors.New("state downloader: malformed chunk")
	ErrChunkOutOfOrder = errors.New("state downloader: chunk cursor out of order")
)

// Outcome reports how a sub-component's response handling affects the
// owning Coordinator's phase.
type Outcome int

// Possible outcomes of processing one response.
const (
	OutcomeContinue Outcome = iota // stay in this phase
	OutcomeNextStep                // advance to the next phase
	OutcomeInvalid                 // recoverable peer fault; retry elsewhere
	OutcomeError                   // unrecoverable; abort the sync
)

// StateDownloader streams and assembles the flat account snapshot. Its
// cursor (nextAccount, nextStorageKey) is the sole resume point for the
// next FastWarpData request.
type StateDownloader struct {
	store *Store
	log   *log.Logger

	nextAccount    types.Hash
	nextStorageKey types.Hash

	lastAccountHash types.Hash
	haveLast        bool
	storageTrie     *trie.Trie // in-progress storage trie for lastAccountHash
	lastStorageKey  types.Hash // last storage key seen for the account currently in storageTrie

	accountTrie *trie.Trie
	committer   *trie.TrieCommitter

	accountsIngested uint64
	storageIngested  uint64
}

// NewStateDownloader creates a StateDownloader starting at the zero cursor.
func NewStateDownloader(store *Store) *StateDownloader {
	return &StateDownloader{
		store:       store,
		log:         log.Default().Module("statedownloader"),
		accountTrie: trie.New(),
		committer:   trie.NewTrieCommitter(trie.NewNodeDatabase(trie.NewRawDBNodeReader(store.RawGet))),
	}
}

// Cursor returns the current resume point.
func (d *StateDownloader) Cursor() (nextAccount, nextStorageKey types.Hash) {
	return d.nextAccount, d.nextStorageKey
}

// AccountTrieRoot returns the root of the trie built so far.
func (d *StateDownloader) AccountTrieRoot() types.Hash {
	return d.accountTrie.Hash()
}

// NextRequest returns the FastWarpData request to send for the current
// cursor.
func (d *StateDownloader) NextRequest() (nextAccount, nextStorageKey types.Hash) {
	return d.Cursor()
}

// Process ingests one FastWarpData response. On OutcomeNextStep, the
// account trie and every in-progress storage trie have been fully
// committed to the store.
func (d *StateDownloader) Process(resp *FastWarpResponse) (Outcome, error) {
	if resp == nil {
		return OutcomeError, fmt.Errorf("%w: nil response", ErrMalformedChunk)
	}

	if d.isTerminal(resp) {
		if err := d.flushStorageTrie(); err != nil {
			return OutcomeError, err
		}
		if err := d.commitAccountTrie(); err != nil {
			return OutcomeError, err
		}
		d.log.Info("state snapshot exhausted", "accounts", d.accountsIngested, "storage", d.storageIngested)
		return OutcomeNextStep, nil
	}

	for i, entry := range resp.Accounts {
		lastInChunk := i == len(resp.Accounts)-1
		if err := d.processEntry(entry, lastInChunk); err != nil {
			return OutcomeError, fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
	}

	if resp.Terminal {
		if err := d.flushStorageTrie(); err != nil {
			return OutcomeError, err
		}
	}
	if err := d.commitAccountTrie(); err != nil {
		return OutcomeError, err
	}

	last := resp.Accounts[len(resp.Accounts)-1]
	d.nextAccount = last.AccountHash
	d.nextStorageKey = incrementHash(d.lastStorageKey)

	if resp.Terminal {
		d.log.Info("state snapshot marked terminal", "accounts", d.accountsIngested)
		return OutcomeNextStep, nil
	}
	return OutcomeContinue, nil
}

// isTerminal recognizes both the upgraded explicit-flag terminal signal and
// the legacy brittle one: exactly one entry, re-stating the last account
// hash, carrying no storage.
func (d *StateDownloader) isTerminal(resp *FastWarpResponse) bool {
	if len(resp.Accounts) == 0 {
		return true
	}
	if resp.Terminal && len(resp.Accounts) == 0 {
		return true
	}
	if d.haveLast && len(resp.Accounts) == 1 {
		e := resp.Accounts[0]
		if e.AccountHash == d.lastAccountHash && len(e.Storage) == 0 && !e.HasCode {
			return true
		}
	}
	return false
}

// processEntry folds one account entry into the in-progress storage trie
// (resuming it if this entry continues the previous chunk's account) and
// buffers the resulting account record for insertion into the account
// trie.
func (d *StateDownloader) processEntry(entry AccountEntry, lastInChunk bool) error {
	resuming := d.haveLast && entry.AccountHash == d.lastAccountHash
	if !resuming {
		if err := d.flushStorageTrie(); err != nil {
			return err
		}
		d.storageTrie = trie.New()
		d.lastStorageKey = types.Hash{}
	}

	for _, kv := range entry.Storage {
		if err := d.putStorage(kv); err != nil {
			return err
		}
		d.storageIngested++
	}

	computedRoot := d.storageTrie.Hash()
	if !lastInChunk && entry.StorageRoot != computedRoot {
		d.log.Warn("storage root mismatch for non-final entry",
			"account", entry.AccountHash.Hex(), "reported", entry.StorageRoot.Hex(), "computed", computedRoot.Hex())
	}

	codeHash := types.EmptyCodeHash
	if entry.HasCode && len(entry.Code) > 0 {
		h := d.store.Insert(entry.Code)
		d.store.Reference(h)
		codeHash = h
	}

	acc := &types.Account{
		Nonce:    entry.Nonce,
		Balance:  entry.Balance,
		Root:     computedRoot,
		CodeHash: codeHash.Bytes(),
	}
	enc, err := state.EncodeAccount(acc)
	if err != nil {
		return err
	}
	if err := d.accountTrie.Put(entry.AccountHash.Bytes(), enc); err != nil {
		return err
	}

	d.lastAccountHash = entry.AccountHash
	d.haveLast = true
	d.accountsIngested++

	if lastInChunk {
		// Keep storageTrie open in case this account continues next chunk;
		// its root is already folded into the account record above.
		return nil
	}
	return d.flushStorageTrie()
}

func (d *StateDownloader) putStorage(kv StorageEntry) error {
	enc, err := state.EncodeStorageValue(rawStorageBytes(kv.Value))
	if err != nil {
		return err
	}
	if err := d.storageTrie.Put(kv.Key.Bytes(), enc); err != nil {
		return err
	}
	d.lastStorageKey = kv.Key
	return nil
}

// flushStorageTrie commits the in-progress storage trie's nodes to the
// store and clears it, so the next distinct account starts fresh.
func (d *StateDownloader) flushStorageTrie() error {
	if d.storageTrie == nil {
		return nil
	}
	if _, _, err := d.committer.Commit(d.storageTrie); err != nil {
		return err
	}
	if _, err := d.committer.Flush(storeNodeWriter{d.store}); err != nil {
		return err
	}
	d.storageTrie = nil
	return nil
}

// commitAccountTrie commits the account trie's dirty nodes to the store.
// The committer skips any node that survived unchanged from an earlier
// commit, so repeated calls across chunks only pay for what actually
// changed.
func (d *StateDownloader) commitAccountTrie() error {
	if _, _, err := d.committer.Commit(d.accountTrie); err != nil {
		return err
	}
	if _, err := d.committer.Flush(storeNodeWriter{d.store}); err != nil {
		return err
	}
	return d.store.Commit()
}

// storeNodeWriter adapts Store to trie.NodeWriter, referencing every node
// it writes so it survives the next prune pass until explicitly dropped.
type storeNodeWriter struct{ store *Store }

func (w storeNodeWriter) Put(hash types.Hash, data []byte) error {
	got := w.store.Insert(data)
	if got != hash {
		return fmt.Errorf("state downloader: node hash mismatch: computed %s, expected %s", got.Hex(), hash.Hex())
	}
	w.store.Reference(hash)
	return nil
}

// rawStorageBytes trims a 32-byte-or-shorter slot value down to a fixed
// array for EncodeStorageValue, right-aligning short inputs.
func rawStorageBytes(v []byte) [32]byte {
	var out [32]byte
	if len(v) > 32 {
		v = v[len(v)-32:]
	}
	copy(out[32-len(v):], v)
	return out
}

// incrementHash returns h+1 as a 32-byte big-endian value, saturating at
// all-0xff instead of wrapping.
func incrementHash(h types.Hash) types.Hash {
	var out types.Hash
	copy(out[:], h[:])
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			return out
		}
	}
	// Wrapped all the way around; saturate.
	for i := range out {
		out[i] = 0xff
	}
	return out
}
