package sync

import (
	"math/big"
	"testing"

	"github.com/warpsync/warpsync/core/types"
)

func TestStateDownloaderIngestsAccountsAndCommits(t *testing.T) {
	store := newTestStore()
	d := NewStateDownloader(store)

	resp := &FastWarpResponse{
		Accounts: []AccountEntry{
			{AccountHash: newHash(0x01), Nonce: 1, Balance: big.NewInt(100)},
			{AccountHash: newHash(0x02), Nonce: 0, Balance: big.NewInt(0)},
		},
	}

	outcome, err := d.Process(resp)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if outcome != OutcomeContinue {
		t.Fatalf("expected OutcomeContinue, got %v", outcome)
	}

	nextAccount, nextStorageKey := d.Cursor()
	if nextAccount != newHash(0x02) {
		t.Fatalf("cursor account: got %s want %s", nextAccount.Hex(), newHash(0x02).Hex())
	}
	want := incrementHash(types.Hash{})
	if nextStorageKey != want {
		t.Fatalf("cursor storage key should be last_storage_key_of_chunk+1 (here, 0+1) even with no storage, got %s want %s",
			nextStorageKey.Hex(), want.Hex())
	}

	root := d.AccountTrieRoot()
	if !store.Contains(root) {
		t.Fatal("account trie root should be committed to the store after each chunk")
	}
}

func TestStateDownloaderExplicitTerminalFlag(t *testing.T) {
	store := newTestStore()
	d := NewStateDownloader(store)

	if _, err := d.Process(&FastWarpResponse{
		Accounts: []AccountEntry{{AccountHash: newHash(0x01), Balance: big.NewInt(1)}},
	}); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	outcome, err := d.Process(&FastWarpResponse{Accounts: nil, Terminal: true})
	if err != nil {
		t.Fatalf("terminal chunk: %v", err)
	}
	if outcome != OutcomeNextStep {
		t.Fatalf("expected OutcomeNextStep on terminal chunk, got %v", outcome)
	}
}

func TestStateDownloaderLegacyTerminalSignal(t *testing.T) {
	store := newTestStore()
	d := NewStateDownloader(store)

	acct := newHash(0x05)
	if _, err := d.Process(&FastWarpResponse{
		Accounts: []AccountEntry{{
			AccountHash: acct,
			Balance:     big.NewInt(5),
			Storage: []StorageEntry{
				{Key: newHash(0x01), Value: []byte{0x2a}},
			},
		}},
	}); err != nil {
		t.Fatalf("first chunk: %v", err)
	}

	// Legacy terminal signal: single entry restating the last account
	// hash, with no storage and no code.
	outcome, err := d.Process(&FastWarpResponse{
		Accounts: []AccountEntry{{AccountHash: acct}},
	})
	if err != nil {
		t.Fatalf("legacy terminal chunk: %v", err)
	}
	if outcome != OutcomeNextStep {
		t.Fatalf("expected OutcomeNextStep on legacy terminal signal, got %v", outcome)
	}
}

func TestStateDownloaderResumesStorageAcrossChunks(t *testing.T) {
	store := newTestStore()
	d := NewStateDownloader(store)

	acct := newHash(0x09)
	if _, err := d.Process(&FastWarpResponse{
		Accounts: []AccountEntry{{
			AccountHash: acct,
			Balance:     big.NewInt(1),
			Storage:     []StorageEntry{{Key: newHash(0x01), Value: []byte{0x01}}},
		}},
	}); err != nil {
		t.Fatalf("chunk 1: %v", err)
	}

	_, nextStorageKey := d.Cursor()
	if nextStorageKey.IsZero() {
		t.Fatal("cursor storage key should advance past the last delivered storage key when the account continues")
	}

	if _, err := d.Process(&FastWarpResponse{
		Accounts: []AccountEntry{{
			AccountHash: acct,
			Balance:     big.NewInt(1),
			Storage:     []StorageEntry{{Key: newHash(0x02), Value: []byte{0x02}}},
		}},
	}); err != nil {
		t.Fatalf("chunk 2 (resuming account): %v", err)
	}
}

func TestStateDownloaderRejectsNilResponse(t *testing.T) {
	store := newTestStore()
	d := NewStateDownloader(store)

	outcome, err := d.Process(nil)
	if err == nil {
		t.Fatal("expected error processing a nil response")
	}
	if outcome != OutcomeError {
		t.Fatalf("expected OutcomeError, got %v", outcome)
	}
}
