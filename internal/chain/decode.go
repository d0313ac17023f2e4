package chain

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

const wordSize = 32

// word returns the i-th 32-byte word of ABI-encoded return data.
func word(data []byte, i int) ([32]byte, error) {
	var w [32]byte
	start := i * wordSize
	if i < 0 || start+wordSize > len(data) {
		return w, fmt.Errorf("word %d out of range for %d bytes", i, len(data))
	}
	copy(w[:], data[start:start+wordSize])
	return w, nil
}

// decodeUint reads word i as a big-endian uint256. The scale is whatever the
// callee returns; callers name it at the call site.
func decodeUint(data []byte, i int) (*uint256.Int, error) {
	w, err := word(data, i)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes32(w[:]), nil
}

// decodeUint64 reads word i as an unsigned integer that must fit 64 bits,
// used for unix timestamps such as rho and tau.
func decodeUint64(data []byte, i int) (uint64, error) {
	v, err := decodeUint(data, i)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("word %d value %s exceeds 64 bits", i, v.Dec())
	}
	return v.Uint64(), nil
}

// decodeAddress reads word i as an address: 12 zero bytes of padding
// followed by the 20 address bytes.
func decodeAddress(data []byte, i int) (common.Address, error) {
	w, err := word(data, i)
	if err != nil {
		return common.Address{}, err
	}
	for _, b := range w[:wordSize-common.AddressLength] {
		if b != 0 {
			return common.Address{}, fmt.Errorf("word %d is not a padded address", i)
		}
	}
	return common.BytesToAddress(w[wordSize-common.AddressLength:]), nil
}

// decodeUint24 reads word i as a uint24 such as a pool fee tier.
func decodeUint24(data []byte, i int) (uint32, error) {
	v, err := decodeUint(data, i)
	if err != nil {
		return 0, err
	}
	if v.BitLen() > 24 {
		return 0, fmt.Errorf("word %d value %s exceeds uint24", i, v.Dec())
	}
	return uint32(v.Uint64()), nil
}

// decodeInt24 reads word i as a sign-extended int24 such as a tick bound.
func decodeInt24(data []byte, i int) (int32, error) {
	w, err := word(data, i)
	if err != nil {
		return 0, err
	}
	pad := byte(0)
	if w[wordSize-3]&0x80 != 0 {
		pad = 0xff
	}
	for _, b := range w[:wordSize-3] {
		if b != pad {
			return 0, fmt.Errorf("word %d is not a sign-extended int24", i)
		}
	}
	return int32(binary.BigEndian.Uint32(w[wordSize-4:])), nil
}

// decodeInt256 reads a word as a two's complement signed 256-bit integer.
func decodeInt256(w [32]byte) *big.Int {
	v := new(big.Int).SetBytes(w[:])
	if w[0]&0x80 != 0 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), 256))
	}
	return v
}

// decodeBytes reads a single dynamic `bytes` return value: word 0 holds the
// offset of the payload, the word at that offset holds its length and the
// payload follows.
func decodeBytes(data []byte) ([]byte, error) {
	offset, err := decodeUint64(data, 0)
	if err != nil {
		return nil, fmt.Errorf("bytes offset: %w", err)
	}
	if offset%wordSize != 0 || offset+wordSize > uint64(len(data)) {
		return nil, fmt.Errorf("bytes offset %d out of range", offset)
	}
	length, err := decodeUint64(data, int(offset/wordSize))
	if err != nil {
		return nil, fmt.Errorf("bytes length: %w", err)
	}
	start := offset + wordSize
	if length > uint64(len(data))-start {
		return nil, fmt.Errorf("bytes length %d exceeds %d available", length, uint64(len(data))-start)
	}
	return data[start : start+length], nil
}

// decodeUintArray reads abi.encode(uint256[]): an offset word, then at that
// offset a length word followed by one word per element.
func decodeUintArray(data []byte) ([]*uint256.Int, error) {
	offset, err := decodeUint64(data, 0)
	if err != nil {
		return nil, fmt.Errorf("array offset: %w", err)
	}
	if offset%wordSize != 0 || offset+wordSize > uint64(len(data)) {
		return nil, fmt.Errorf("array offset %d out of range", offset)
	}
	base := int(offset / wordSize)
	n, err := decodeUint64(data, base)
	if err != nil {
		return nil, fmt.Errorf("array length: %w", err)
	}
	if n > uint64(len(data)/wordSize) {
		return nil, fmt.Errorf("array length %d exceeds payload", n)
	}
	out := make([]*uint256.Int, 0, n)
	for i := 0; i < int(n); i++ {
		v, err := decodeUint(data, base+1+i)
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// decodeInkAmount reads the ink payload of a token ilk: a big-endian unsigned
// amount of at most one word, WAD.
func decodeInkAmount(payload []byte) (*uint256.Int, error) {
	if len(payload) > wordSize {
		return nil, fmt.Errorf("ink payload is %d bytes", len(payload))
	}
	return new(uint256.Int).SetBytes(payload), nil
}

// decodeNewPalm2 reads a NewPalm2 log. Topics 1-3 carry act, ilk and usr as
// bytes32 (usr left-aligned); the data word carries the new value as int256.
func decodeNewPalm2(log gethtypes.Log) (models.Event, error) {
	if len(log.Topics) < 4 || log.Topics[0] != newPalm2Topic {
		return models.Event{}, fmt.Errorf("log %s:%d is not NewPalm2", log.TxHash.Hex(), log.Index)
	}
	val, err := word(log.Data, 0)
	if err != nil {
		return models.Event{}, fmt.Errorf("NewPalm2 value: %w", err)
	}
	return models.Event{
		BlockNumber: log.BlockNumber,
		LogIndex:    log.Index,
		Act:         units.Bytes32String(log.Topics[1]),
		Ilk:         units.Bytes32String(log.Topics[2]),
		Usr:         units.KeyAddress(log.Topics[3]),
		Val:         decodeInt256(val),
	}, nil
}
