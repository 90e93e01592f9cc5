package dex

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view",
	 "inputs":[],
	 "outputs":[{"name":"","type":"uint8"}]},
	{"type":"event","name":"Transfer","anonymous":false,
	 "inputs":[{"name":"from","type":"address","indexed":true},
	           {"name":"to","type":"address","indexed":true},
	           {"name":"value","type":"uint256","indexed":false}]}
]`

const wethABIJSON = `[
	{"type":"function","name":"deposit","stateMutability":"payable","inputs":[],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"wad","type":"uint256"}],"outputs":[]}
]`

const v2RouterABIJSON = `[
	{"type":"function","name":"getAmountsOut","stateMutability":"view",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]},
	{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
	           {"name":"path","type":"address[]"},{"name":"to","type":"address"},
	           {"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const v3QuoterABIJSON = `[
	{"type":"function","name":"quoteExactInputSingle","stateMutability":"nonpayable",
	 "inputs":[{"name":"params","type":"tuple","components":[
	   {"name":"tokenIn","type":"address"},
	   {"name":"tokenOut","type":"address"},
	   {"name":"amountIn","type":"uint256"},
	   {"name":"fee","type":"uint24"},
	   {"name":"sqrtPriceLimitX96","type":"uint160"}]}],
	 "outputs":[{"name":"amountOut","type":"uint256"},
	            {"name":"sqrtPriceX96After","type":"uint160"},
	            {"name":"initializedTicksCrossed","type":"uint32"},
	            {"name":"gasEstimate","type":"uint256"}]}
]`

const v3RouterABIJSON = `[
	{"type":"function","name":"exactInputSingle","stateMutability":"payable",
	 "inputs":[{"name":"params","type":"tuple","components":[
	   {"name":"tokenIn","type":"address"},
	   {"name":"tokenOut","type":"address"},
	   {"name":"fee","type":"uint24"},
	   {"name":"recipient","type":"address"},
	   {"name":"deadline","type":"uint256"},
	   {"name":"amountIn","type":"uint256"},
	   {"name":"amountOutMinimum","type":"uint256"},
	   {"name":"sqrtPriceLimitX96","type":"uint160"}]}],
	 "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

func parseABI(name, abiStr string) *abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(abiStr))
	if err != nil {
		panic(fmt.Sprintf("failed to parse %s abi: %v", name, err))
	}
	return &parsed
}

var (
	ERC20ABI    = parseABI("erc20", erc20ABIJSON)
	WETHABI     = parseABI("weth", wethABIJSON)
	V2RouterABI = parseABI("v2 router", v2RouterABIJSON)
	V3QuoterABI = parseABI("v3 quoter", v3QuoterABIJSON)
	V3RouterABI = parseABI("v3 router", v3RouterABIJSON)
)

// SwapDeadline extracts the deadline from swapExactTokensForTokens or
// exactInputSingle calldata. In both layouts it is the fifth head word.
func SwapDeadline(data []byte) (time.Time, bool) {
	const word = 32
	if len(data) < 4+5*word {
		return time.Time{}, false
	}
	sel := data[:4]
	if !bytes.Equal(sel, V2RouterABI.Methods["swapExactTokensForTokens"].ID) &&
		!bytes.Equal(sel, V3RouterABI.Methods["exactInputSingle"].ID) {
		return time.Time{}, false
	}
	deadline := new(big.Int).SetBytes(data[4+4*word : 4+5*word])
	if !deadline.IsInt64() {
		return time.Time{}, false
	}
	return time.Unix(deadline.Int64(), 0).UTC(), true
}
