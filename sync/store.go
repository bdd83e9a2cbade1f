package sync

import (
	"errors"

	"github.com/warpsync/warpsync/core/rawdb"
	"github.com/warpsync/warpsync/core/types"
	"github.com/warpsync/warpsync/crypto"
	"github.com/warpsync/warpsync/trie"
)

// ErrNodeMissing is returned by Get/Contains-style lookups that find no
// content under the requested hash.
var ErrNodeMissing = errors.New("store: node not present")

// Store is a content-addressed, reference-counted key-value store for trie
// nodes and account code. Both the account trie and every per-account
// storage trie live in the same physical keyspace: since keys are the
// Keccak-256 hash of their value, distinct content never collides and
// per-account views need no separate namespace for trie nodes. Account
// code blobs are inserted the same way, under their Keccak-256 hash in the
// same keyspace.
type Store struct {
	nodeDB *trie.NodeDatabase
	refs   *trie.RefCountDB
	db     rawdb.Database
}

// NewStore creates a Store backed by the given rawdb.Database.
func NewStore(db rawdb.Database) *Store {
	reader := trie.NewRawDBNodeReader(db.Get)
	nodeDB := trie.NewNodeDatabase(reader)
	return &Store{
		nodeDB: nodeDB,
		refs:   trie.NewRefCountDB(nodeDB),
		db:     db,
	}
}

// Contains reports whether a node with the given hash is present, either
// still dirty (uncommitted) or already persisted.
func (s *Store) Contains(h types.Hash) bool {
	_, err := s.refs.Node(h)
	return err == nil
}

// Get retrieves the raw bytes stored under the given hash.
func (s *Store) Get(h types.Hash) ([]byte, error) {
	data, err := s.refs.Node(h)
	if err != nil {
		return nil, ErrNodeMissing
	}
	return data, nil
}

// Insert stores a blob under its Keccak-256 hash and returns that hash.
// The node starts with a zero reference count; callers that want it kept
// alive across a prune must call Reference explicitly (the trie downloader
// and the state downloader do this for every node and code blob they store).
func (s *Store) Insert(data []byte) types.Hash {
	h := crypto.Keccak256Hash(data)
	s.refs.InsertNode(h, data)
	return h
}

// Reference marks a node as reachable from a live root, protecting it from
// removal until a matching Dereference.
func (s *Store) Reference(h types.Hash) {
	s.refs.Reference(h)
}

// Remove drops one reference to a node. Once its count reaches zero it
// becomes eligible for removal by the next GC call; Commit does not collect.
func (s *Store) Remove(h types.Hash) {
	s.refs.Dereference(h)
}

// AccountView returns the Store used to hold the storage trie of the given
// account. Because storage-trie nodes are content-addressed the same way
// account-trie nodes are, the same physical store serves both; AccountView
// exists so callers can name the distinction in code without it implying a
// different storage backend.
func (s *Store) AccountView(_ types.Hash) *Store {
	return s
}

// RawGet reads a key directly from the backing database, bypassing the
// node cache. It exists so a trie.TrieCommitter can be built with its own
// NodeDatabase that still sees what this Store has already persisted,
// letting it skip re-committing nodes that survived from an earlier flush.
func (s *Store) RawGet(key []byte) ([]byte, error) {
	return s.db.Get(key)
}

// Commit flushes every dirty (uncommitted) node to the backing database in
// one batch.
func (s *Store) Commit() error {
	batch := s.db.NewBatch()
	if err := s.nodeDB.Commit(trie.NewRawDBNodeWriter(batch.Put)); err != nil {
		return err
	}
	return batch.Write()
}

// Finalize commits any outstanding writes and records the block this store
// snapshot now represents. era is the block number, id its hash; both are
// recorded under fixed keys so a restarted process could in principle
// discover where the last commit left off (actual resume-on-restart is not
// implemented — see the module's non-goals).
func (s *Store) Finalize(era uint64, id types.Hash) error {
	if err := s.Commit(); err != nil {
		return err
	}
	b := s.db.NewBatch()
	if err := b.Put(finalizeEraKey, encodeUint64(era)); err != nil {
		return err
	}
	if err := b.Put(finalizeHashKey, id.Bytes()); err != nil {
		return err
	}
	return b.Write()
}

// GC removes every node whose reference count has reached zero, returning
// the count of nodes removed. It commits outstanding dirty nodes first, then
// deletes the collected ones from the backing database. Called by the Pruner
// after reconciliation.
func (s *Store) GC() int {
	dead := s.refs.UnreferencedNodes()
	removed, _ := s.refs.CollectGarbage()
	if len(dead) == 0 {
		return removed
	}
	if err := s.Commit(); err != nil {
		return removed
	}
	for _, h := range dead {
		// Same key layout as trie.NewRawDBNodeReader: "t" + hash.
		s.db.Delete(append([]byte("t"), h[:]...))
	}
	return removed
}

var (
	finalizeEraKey  = []byte("warpsync-finalized-era")
	finalizeHashKey = []byte("warpsync-finalized-hash")
)

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
