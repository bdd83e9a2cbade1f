package sync

import (
	"github.com/warpsync/warpsync/core/types"
	"github.com/warpsync/warpsync/log"
	"github.com/warpsync/warpsync/trie"
)

// Pruner removes trie nodes that were part of the snapshot-built account
// trie but are not reachable from the reconciled target root. It runs once,
// immediately after TrieSync drains its queries and before the Coordinator
// reports Done.
type Pruner struct {
	store  *Store
	log    *log.Logger
	nVisit int
	nDrop  int
}

// NewPruner creates a Pruner over the given store.
func NewPruner(store *Store) *Pruner {
	return &Pruner{store: store, log: log.Default().Module("pruner")}
}

// Prune walks oldRoot depth-first, dropping every node encountered except
// target itself and nodes in keep (the common_nodes set collected during
// reconciliation: nodes the target trie and the snapshot trie both
// reference). A node in keep terminates that branch of the walk without
// descent, because everything beneath a shared node is shared too.
//
// If oldRoot equals target, or oldRoot is the zero hash, there is nothing
// to prune.
func (p *Pruner) Prune(oldRoot, target types.Hash, keep map[types.Hash]struct{}) error {
	if oldRoot == target || oldRoot.IsZero() {
		return nil
	}

	visited := make(map[types.Hash]struct{})
	p.walk(oldRoot, target, keep, visited)

	removed := p.store.GC()
	p.log.Info("prune complete", "visited", p.nVisit, "dropped", p.nDrop, "collected", removed)
	return p.store.Commit()
}

func (p *Pruner) walk(h, target types.Hash, keep map[types.Hash]struct{}, visited map[types.Hash]struct{}) {
	if h.IsZero() || h == target {
		return
	}
	if _, ok := keep[h]; ok {
		return
	}
	if _, ok := visited[h]; ok {
		return
	}
	visited[h] = struct{}{}
	p.nVisit++

	data, err := p.store.Get(h)
	if err != nil {
		// Already gone, or never fetched; nothing to drop.
		return
	}
	raw, err := trie.DecodeRawNode(data)
	if err != nil {
		p.log.Warn("prune: undecodable node", "hash", h.Hex(), "err", err)
		return
	}

	// Only Branch nodes descend; a Leaf or Extension node is removed
	// outright without walking into its value or child.
	if raw.Kind == trie.RawNodeBranch {
		for _, child := range raw.Children {
			if child != nil && child.Hash != nil {
				p.walk(types.BytesToHash(child.Hash), target, keep, visited)
			}
		}
	}

	p.store.Remove(h)
	p.nDrop++
}
