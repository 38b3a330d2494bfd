package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// predictionABI covers the slice of the prediction contract the pipeline
// touches: the three read calls, the two payable bet entrypoints, the
// per-wallet ledger, and the three events the indexing side filters on.
const predictionABI = `[
  {"inputs":[],"name":"currentEpoch","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[],"name":"bufferSeconds","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"epoch","type":"uint256"}],"name":"rounds","outputs":[
    {"internalType":"uint256","name":"epoch","type":"uint256"},
    {"internalType":"uint256","name":"startTimestamp","type":"uint256"},
    {"internalType":"uint256","name":"lockTimestamp","type":"uint256"},
    {"internalType":"uint256","name":"closeTimestamp","type":"uint256"},
    {"internalType":"int256","name":"lockPrice","type":"int256"},
    {"internalType":"int256","name":"closePrice","type":"int256"},
    {"internalType":"uint256","name":"lockOracleId","type":"uint256"},
    {"internalType":"uint256","name":"closeOracleId","type":"uint256"},
    {"internalType":"uint256","name":"totalAmount","type":"uint256"},
    {"internalType":"uint256","name":"bullAmount","type":"uint256"},
    {"internalType":"uint256","name":"bearAmount","type":"uint256"},
    {"internalType":"uint256","name":"rewardBaseCalAmount","type":"uint256"},
    {"internalType":"uint256","name":"rewardAmount","type":"uint256"},
    {"internalType":"bool","name":"oracleCalled","type":"bool"}
  ],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"epoch","type":"uint256"},{"internalType":"address","name":"user","type":"address"}],"name":"ledger","outputs":[
    {"internalType":"uint8","name":"position","type":"uint8"},
    {"internalType":"uint256","name":"amount","type":"uint256"},
    {"internalType":"bool","name":"claimed","type":"bool"}
  ],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"epoch","type":"uint256"}],"name":"betBull","outputs":[],"stateMutability":"payable","type":"function"},
  {"inputs":[{"internalType":"uint256","name":"epoch","type":"uint256"}],"name":"betBear","outputs":[],"stateMutability":"payable","type":"function"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"address","name":"sender","type":"address"},
    {"indexed":true,"internalType":"uint256","name":"epoch","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}
  ],"name":"BetBull","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"address","name":"sender","type":"address"},
    {"indexed":true,"internalType":"uint256","name":"epoch","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}
  ],"name":"BetBear","type":"event"},
  {"anonymous":false,"inputs":[
    {"indexed":true,"internalType":"address","name":"sender","type":"address"},
    {"indexed":false,"internalType":"uint256","name":"epoch","type":"uint256"},
    {"indexed":false,"internalType":"uint256","name":"amount","type":"uint256"}
  ],"name":"Claim","type":"event"}
]`

// mustParseABI parses the embedded ABI once at package init.
func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(predictionABI))
	if err != nil {
		panic("chain: parse prediction ABI: " + err.Error())
	}
	return parsed
}

var (
	contractABI = mustParseABI()

	betBullTopic = crypto.Keccak256Hash([]byte("BetBull(address,uint256,uint256)"))
	betBearTopic = crypto.Keccak256Hash([]byte("BetBear(address,uint256,uint256)"))
	claimTopic   = crypto.Keccak256Hash([]byte("Claim(address,uint256,uint256)"))
)

// topicForDirection returns the event signature hash for a bet side.
func topicForDirection(up bool) common.Hash {
	if up {
		return betBullTopic
	}
	return betBearTopic
}
