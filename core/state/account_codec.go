// account_codec.go RLP-encodes and decodes the two value shapes stored in
// the layered account/storage tries: the account record itself and a single
// storage slot. Both downloaders and the trie reconciler share this codec so
// a decoded account is always the same shape regardless of whether it came
// from a flat snapshot entry or from a resolved trie leaf.
package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/warpsync/warpsync/core/types"
	"github.com/warpsync/warpsync/rlp"
)

// rlpAccount is the RLP-serializable representation of an account as stored
// in the account trie: [nonce, balance, storageRoot, codeHash].
type rlpAccount struct {
	Nonce    uint64
	Balance  *big.Int
	Root     []byte // 32 bytes: storage trie root
	CodeHash []byte // 32 bytes: keccak256 of code
}

// EncodeAccount RLP-encodes an account as [nonce, balance, root, codeHash].
func EncodeAccount(acc *types.Account) ([]byte, error) {
	balance := acc.Balance
	if balance == nil {
		balance = new(big.Int)
	}

	codeHash := acc.CodeHash
	if len(codeHash) == 0 {
		codeHash = types.EmptyCodeHash.Bytes()
	}

	ra := rlpAccount{
		Nonce:    acc.Nonce,
		Balance:  balance,
		Root:     acc.Root[:],
		CodeHash: codeHash,
	}
	return rlp.EncodeToBytes(ra)
}

// DecodeAccount decodes an RLP-encoded account.
func DecodeAccount(data []byte) (*types.Account, error) {
	s := rlp.NewStreamFromBytes(data)

	if _, err := s.List(); err != nil {
		return nil, fmt.Errorf("decode outer list: %w", err)
	}

	nonce, err := s.Uint64()
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}

	balBytes, err := s.Bytes()
	if err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	balance := new(big.Int).SetBytes(balBytes)

	rootBytes, err := s.Bytes()
	if err != nil {
		return nil, fmt.Errorf("decode root: %w", err)
	}

	codeHashBytes, err := s.Bytes()
	if err != nil {
		return nil, fmt.Errorf("decode code hash: %w", err)
	}

	if err := s.ListEnd(); err != nil {
		return nil, fmt.Errorf("decode list end: %w", err)
	}

	acc := &types.Account{
		Nonce:    nonce,
		Balance:  balance,
		Root:     types.BytesToHash(rootBytes),
		CodeHash: codeHashBytes,
	}
	return acc, nil
}

// EncodeStorageValue RLP-encodes a storage value with leading zeros trimmed,
// matching how the value is stored as a leaf in a storage trie.
func EncodeStorageValue(val [32]byte) ([]byte, error) {
	trimmed := trimLeadingZeros(val[:])
	return rlp.EncodeToBytes(trimmed)
}

// DecodeStorageValue decodes an RLP-encoded storage value into a 32-byte
// array, right-aligning the decoded bytes.
func DecodeStorageValue(data []byte) ([32]byte, error) {
	s := rlp.NewStreamFromBytes(data)
	b, err := s.Bytes()
	if err != nil {
		return [32]byte{}, err
	}

	var result [32]byte
	if len(b) > 32 {
		return [32]byte{}, errors.New("account codec: storage value too large")
	}
	copy(result[32-len(b):], b)
	return result, nil
}

// trimLeadingZeros strips leading zero bytes from a byte slice.
func trimLeadingZeros(b []byte) []byte {
	for i, v := range b {
		if v != 0 {
			return b[i:]
		}
	}
	return []byte{}
}
