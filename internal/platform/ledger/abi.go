package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// marketABIJSON is the subset of the market contract the backend calls.
const marketABIJSON = `[
	{
		"name": "get_market_count",
		"type": "function",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"name": "", "type": "uint64"}]
	},
	{
		"name": "get_market_status",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "marketId", "type": "uint64"}],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"name": "get_market_outcome",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "marketId", "type": "uint64"}],
		"outputs": [{"name": "", "type": "uint8"}]
	},
	{
		"name": "get_market_pools",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "marketId", "type": "uint64"}],
		"outputs": [
			{"name": "yes", "type": "uint256"},
			{"name": "no", "type": "uint256"}
		]
	},
	{
		"name": "get_percentages",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "marketId", "type": "uint64"}],
		"outputs": [
			{"name": "yesBp", "type": "uint64"},
			{"name": "noBp", "type": "uint64"}
		]
	},
	{
		"name": "get_participant_count",
		"type": "function",
		"stateMutability": "view",
		"inputs": [{"name": "marketId", "type": "uint64"}],
		"outputs": [{"name": "", "type": "uint64"}]
	},
	{
		"name": "create_market",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "title", "type": "string"},
			{"name": "description", "type": "string"},
			{"name": "endTime", "type": "uint64"},
			{"name": "minStake", "type": "uint256"},
			{"name": "maxStake", "type": "uint256"},
			{"name": "resolver", "type": "address"},
			{"name": "marketType", "type": "uint8"}
		],
		"outputs": []
	},
	{
		"name": "resolve",
		"type": "function",
		"stateMutability": "nonpayable",
		"inputs": [
			{"name": "marketId", "type": "uint64"},
			{"name": "outcome", "type": "uint8"}
		],
		"outputs": []
	},
	{
		"name": "MarketCreated",
		"type": "event",
		"anonymous": false,
		"inputs": [
			{"name": "market_id", "type": "uint64", "indexed": false},
			{"name": "creator", "type": "address", "indexed": true},
			{"name": "end_time", "type": "uint64", "indexed": false}
		]
	}
]`

const (
	methodMarketCount      = "get_market_count"
	methodMarketStatus     = "get_market_status"
	methodMarketOutcome    = "get_market_outcome"
	methodMarketPools      = "get_market_pools"
	methodPercentages      = "get_percentages"
	methodParticipantCount = "get_participant_count"
	methodCreateMarket     = "create_market"
	methodResolve          = "resolve"
	eventMarketCreated     = "MarketCreated"
)

var marketABI abi.ABI

func init() {
	var err error
	marketABI, err = abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		panic("ledger: market abi parse: " + err.Error())
	}
}
