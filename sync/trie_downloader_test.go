package sync

import (
	"testing"

	"github.com/warpsync/warpsync/core/types"
)

// fetchNodes simulates a peer answering RequestNodeData by reading straight
// out of src, the store the fixture trie was committed into.
func fetchNodes(t *testing.T, src *Store, hashes []types.Hash) [][]byte {
	t.Helper()
	out := make([][]byte, len(hashes))
	for i, h := range hashes {
		data, err := src.Get(h)
		if err != nil {
			t.Fatalf("fixture missing node %s: %v", h.Hex(), err)
		}
		out[i] = data
	}
	return out
}

func driveTrieDownloader(t *testing.T, d *TrieDownloader, src *Store) {
	t.Helper()
	const peer = "peer-1"
	for i := 0; i < 1000; i++ {
		batch := d.NextBatch(peer)
		if len(batch) == 0 {
			if d.Done() {
				return
			}
			t.Fatal("no batch to send but downloader is not done")
		}
		data := fetchNodes(t, src, batch)
		if _, err := d.Process(peer, batch, data); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	t.Fatal("trie downloader did not converge")
}

func TestTrieDownloaderReconcilesFreshTrie(t *testing.T) {
	fixture := newTestStore()
	root := buildCommittedTrie(t, fixture, map[string]string{"alpha": "v1", "beta": "v2", "gamma": "v3"})

	mainStore := newTestStore()
	d := NewTrieDownloader(mainStore, root)

	driveTrieDownloader(t, d, fixture)

	if !mainStore.Contains(root) {
		t.Fatal("target root should be present in the store once reconciliation converges")
	}
}

func TestTrieDownloaderTreatsAlreadyPresentNodesAsCommon(t *testing.T) {
	fixture := newTestStore()
	root := buildCommittedTrie(t, fixture, map[string]string{"alpha": "v1", "beta": "v2"})

	// Pre-populate the main store with the root node, as if an earlier
	// snapshot trie happened to already contain it.
	mainStore := newTestStore()
	rootData, err := fixture.Get(root)
	if err != nil {
		t.Fatalf("fixture get root: %v", err)
	}
	got := mainStore.Insert(rootData)
	if got != root {
		t.Fatalf("inserted hash mismatch: got %s want %s", got.Hex(), root.Hex())
	}

	d := NewTrieDownloader(mainStore, root)
	if !d.Done() {
		t.Fatal("downloader should be immediately done when the target is already in the store")
	}
	if _, ok := d.CommonNodes()[root]; !ok {
		t.Fatal("an already-present target should be recorded as a common node")
	}
}

func TestTrieDownloaderDropsHashMismatchedNode(t *testing.T) {
	fixture := newTestStore()
	root := buildCommittedTrie(t, fixture, map[string]string{"alpha": "v1", "beta": "v2"})

	mainStore := newTestStore()
	d := NewTrieDownloader(mainStore, root)

	batch := d.NextBatch("peer-1")
	if len(batch) == 0 {
		t.Fatal("expected a pending request for the root hash")
	}

	// Corrupt the bytes so the computed hash no longer matches.
	corrupted := [][]byte{[]byte("not the right bytes")}
	if _, err := d.Process("peer-1", batch, corrupted); err != nil {
		t.Fatalf("process should not hard-fail on a bad node, got: %v", err)
	}
	if mainStore.Contains(batch[0]) {
		t.Fatal("a hash-mismatched node must never be inserted into the store")
	}
}
