package sync

import (
	"math/big"
	"testing"

	"github.com/warpsync/warpsync/core/types"
)

// fakePeer drives a Coordinator end to end against a small synthetic chain
// and a small synthetic trie, entirely in memory.
type fakePeer struct {
	id      string
	headers map[uint64]*types.Header
	highest uint64

	fastWarpServed bool
	fastWarpEntry  AccountEntry

	trieStore *Store
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) RequestTotalDifficulty(blockNumber uint64) (*big.Int, error) {
	return big.NewInt(int64(blockNumber) + 1), nil
}

func (p *fakePeer) RequestBlockHeader(blockNumber uint64) (*types.Header, error) {
	h, ok := p.headers[blockNumber]
	if !ok {
		return nil, ErrHDLBadChain
	}
	return h, nil
}

func (p *fakePeer) RequestFastWarpData(nextAccount, nextStorageKey types.Hash) (*FastWarpResponse, error) {
	if p.fastWarpServed {
		return &FastWarpResponse{Terminal: true}, nil
	}
	p.fastWarpServed = true
	return &FastWarpResponse{Accounts: []AccountEntry{p.fastWarpEntry}, Terminal: true}, nil
}

func (p *fakePeer) RequestNodeData(hashes []types.Hash) ([][]byte, error) {
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		data, err := p.trieStore.Get(h)
		if err != nil {
			out[i] = nil
			continue
		}
		out[i] = data
	}
	return out, nil
}

func buildFakeChain(highest uint64, roots map[uint64]types.Hash) map[uint64]*types.Header {
	headers := make(map[uint64]*types.Header, highest+1)
	var parent types.Hash
	for i := uint64(0); i <= highest; i++ {
		h := &types.Header{
			ParentHash: parent,
			Root:       roots[i],
			Difficulty: new(big.Int),
			Number:     new(big.Int).SetUint64(i),
			GasLimit:   30_000_000,
			Time:       1000 + i*12,
		}
		headers[i] = h
		parent = h.Hash()
	}
	return headers
}

// fulfill translates one Outgoing request into a blocking fakePeer call and
// wraps the result as the Payload Process expects, mimicking what a real
// host's I/O loop does between Request and Process.
func fulfill(peer *fakePeer, out Outgoing) (Payload, error) {
	switch out.Kind {
	case OutgoingNone:
		return Payload{}, nil
	case OutgoingTotalDifficulty:
		td, err := peer.RequestTotalDifficulty(out.BlockNumber)
		if err != nil {
			return Payload{}, err
		}
		return Payload{TotalDifficulty: td}, nil
	case OutgoingBlockHeader:
		h, err := peer.RequestBlockHeader(out.BlockNumber)
		if err != nil {
			return Payload{}, err
		}
		return Payload{Header: h}, nil
	case OutgoingFastWarpData:
		resp, err := peer.RequestFastWarpData(out.NextAccount, out.NextStorageKey)
		if err != nil {
			return Payload{}, err
		}
		return Payload{FastWarp: resp}, nil
	case OutgoingNodeData:
		data, err := peer.RequestNodeData(out.Hashes)
		if err != nil {
			return Payload{}, err
		}
		return Payload{NodeData: data}, nil
	default:
		return Payload{}, nil
	}
}

func TestCoordinatorRunsFullPipeline(t *testing.T) {
	const highest = 40

	trieStore := newTestStore()
	targetRoot := buildCommittedTrie(t, trieStore, map[string]string{"k1": "v1", "k2": "v2"})

	// BlockSync confirms one header past the pivot and then hands off (the
	// default BlocksDeltaStartSync covers the remaining gap), so that
	// header's state root is the reconciliation target.
	const pivot = highest - 20
	headers := buildFakeChain(highest, map[uint64]types.Hash{pivot + 1: targetRoot})

	peer := &fakePeer{
		id:      "peer-1",
		headers: headers,
		highest: highest,
		fastWarpEntry: AccountEntry{
			AccountHash: newHash(0x01),
			Nonce:       1,
			Balance:     big.NewInt(7),
		},
		trieStore: trieStore,
	}

	cfg := DefaultConfig()
	cfg.NumBlocksHeaders = 20
	cfg.BlocksDeltaStartSync = 1000 // small fixture chain, allow immediate handoff

	store := newTestStore()
	c, err := NewCoordinator(cfg, store)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	if c.Phase() != PhaseIdle {
		t.Fatalf("expected PhaseIdle before any request, got %v", c.Phase())
	}

	for i := 0; i < 200 && !c.IsDone(); i++ {
		out, err := c.Request(peer, highest)
		if err != nil {
			t.Fatalf("request %d (phase %v): %v", i, c.Phase(), err)
		}
		payload, err := fulfill(peer, out)
		if err != nil {
			t.Fatalf("fulfill %d (phase %v, kind %v): %v", i, c.Phase(), out.Kind, err)
		}
		if err := c.Process(peer, payload); err != nil {
			t.Fatalf("process %d (phase %v): %v", i, c.Phase(), err)
		}
	}

	if !c.IsDone() {
		t.Fatalf("coordinator did not reach PhaseDone, stuck in %v", c.Phase())
	}
	if !store.Contains(targetRoot) {
		t.Fatal("reconciled target root should be present in the store")
	}
}

// TestCoordinatorCancelRequeuesTrieSyncWork confirms that Cancel, the host's
// hook for an external peer timeout or disconnect, returns a trie-sync peer's
// in-flight hashes to the pending queue without touching Coordinator phase.
func TestCoordinatorCancelRequeuesTrieSyncWork(t *testing.T) {
	trieStore := newTestStore()
	targetRoot := buildCommittedTrie(t, trieStore, map[string]string{"k1": "v1", "k2": "v2"})

	store := newTestStore()
	cfg := DefaultConfig()
	c, err := NewCoordinator(cfg, store)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	dl := NewTrieDownloader(store, targetRoot)
	h := &trieSyncHandler{c: c, dl: dl, pending: make(map[string][]types.Hash)}
	c.handler = h
	c.phase = PhaseTrieSync

	peer := &fakePeer{id: "peer-1", trieStore: trieStore}
	out, err := h.request(peer)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if out.Kind != OutgoingNodeData || len(out.Hashes) == 0 {
		t.Fatalf("expected a node-data request with hashes, got %+v", out)
	}

	c.Cancel(peer)

	if _, ok := h.pending[peer.ID()]; ok {
		t.Fatal("cancel should clear the peer's pending hash batch")
	}
	if len(dl.nodeDataQueries) == 0 {
		t.Fatal("cancel should return the peer's in-flight hashes to the pending queue")
	}
}
