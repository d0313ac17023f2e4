package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// newPalm2Topic is the topic0 of NewPalm2(bytes32 act, bytes32 ilk, bytes32 usr, bytes32 val).
var newPalm2Topic = crypto.Keccak256Hash([]byte("NewPalm2(bytes32,bytes32,bytes32,bytes32)"))

const vatABI = `[
 {"type":"function","name":"par","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"ink","stateMutability":"view","inputs":[{"name":"i","type":"bytes32"},{"name":"u","type":"address"}],"outputs":[{"name":"","type":"bytes"}]},
 {"type":"function","name":"urns","stateMutability":"view","inputs":[{"name":"i","type":"bytes32"},{"name":"u","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"ilks","stateMutability":"view","inputs":[{"name":"i","type":"bytes32"}],"outputs":[
  {"name":"tart","type":"uint256"},{"name":"rack","type":"uint256"},{"name":"line","type":"uint256"},{"name":"dust","type":"uint256"},
  {"name":"fee","type":"uint256"},{"name":"rho","type":"uint256"},{"name":"chop","type":"uint256"},{"name":"hook","type":"address"}]},
 {"type":"function","name":"geth","stateMutability":"view","inputs":[{"name":"i","type":"bytes32"},{"name":"key","type":"bytes32"},{"name":"xs","type":"bytes32[]"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

const voxABI = `[
 {"type":"function","name":"tip","stateMutability":"view","inputs":[],"outputs":[{"name":"src","type":"address"},{"name":"tag","type":"bytes32"}]},
 {"type":"function","name":"way","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"tau","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"how","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const feedbaseABI = `[
 {"type":"function","name":"pull","stateMutability":"view","inputs":[{"name":"src","type":"address"},{"name":"tag","type":"bytes32"}],"outputs":[{"name":"val","type":"bytes32"},{"name":"ttl","type":"uint256"}]}
]`

const nfpmABI = `[
 {"type":"function","name":"positions","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[
  {"name":"nonce","type":"uint96"},{"name":"operator","type":"address"},{"name":"token0","type":"address"},{"name":"token1","type":"address"},
  {"name":"fee","type":"uint24"},{"name":"tickLower","type":"int24"},{"name":"tickUpper","type":"int24"},{"name":"liquidity","type":"uint128"},
  {"name":"feeGrowthInside0LastX128","type":"uint256"},{"name":"feeGrowthInside1LastX128","type":"uint256"},
  {"name":"tokensOwed0","type":"uint128"},{"name":"tokensOwed1","type":"uint128"}]}
]`

const uniWrapperABI = `[
 {"type":"function","name":"total","stateMutability":"view","inputs":[{"name":"nfpm","type":"address"},{"name":"tokenId","type":"uint256"},{"name":"sqrtPriceX96","type":"uint160"}],"outputs":[{"name":"amount0","type":"uint256"},{"name":"amount1","type":"uint256"}]}
]`

const gemABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"who","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

type contractABIs struct {
	vat, vox, feedbase, nfpm, uniWrapper, gem abi.ABI
}

func parseABIs() (*contractABIs, error) {
	var out contractABIs
	for _, p := range []struct {
		name string
		def  string
		dst  *abi.ABI
	}{
		{"vat", vatABI, &out.vat},
		{"vox", voxABI, &out.vox},
		{"feedbase", feedbaseABI, &out.feedbase},
		{"nfpm", nfpmABI, &out.nfpm},
		{"uniwrapper", uniWrapperABI, &out.uniWrapper},
		{"gem", gemABI, &out.gem},
	} {
		parsed, err := abi.JSON(strings.NewReader(p.def))
		if err != nil {
			return nil, fmt.Errorf("parse %s abi: %w", p.name, err)
		}
		*p.dst = parsed
	}
	return &out, nil
}
