package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// ContractABI is the settlement contract interface.
const ContractABI = `[
 {"type":"function","name":"providerRegister","stateMutability":"nonpayable",
  "inputs":[{"name":"costPerKTokens","type":"uint256"},{"name":"endpoint","type":"string"},{"name":"model","type":"string"}],"outputs":[]},
 {"type":"function","name":"getProvider","stateMutability":"view",
  "inputs":[{"name":"provider","type":"address"}],
  "outputs":[{"name":"","type":"tuple","components":[
   {"name":"providerAddress","type":"address"},{"name":"costPerKTokens","type":"uint256"},
   {"name":"endpoint","type":"string"},{"name":"model","type":"string"}]}]},
 {"type":"function","name":"getAllProviders","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"tuple[]","components":[
   {"name":"providerAddress","type":"address"},{"name":"costPerKTokens","type":"uint256"},
   {"name":"endpoint","type":"string"},{"name":"model","type":"string"}]}]},
 {"type":"function","name":"fetchTokens","stateMutability":"payable",
  "inputs":[{"name":"provider","type":"address"},{"name":"ktokens","type":"uint32"},{"name":"clientPk","type":"bytes32"}],"outputs":[]},
 {"type":"function","name":"viewStatus","stateMutability":"view",
  "inputs":[{"name":"provider","type":"address"},{"name":"clientPk","type":"bytes32"}],
  "outputs":[{"name":"","type":"tuple","components":[
   {"name":"remainingTokens","type":"uint64"},{"name":"seq","type":"uint32"}]}]},
 {"type":"function","name":"claim","stateMutability":"nonpayable",
  "inputs":[{"name":"claims","type":"tuple[]","components":[
   {"name":"clientPk","type":"bytes32"},{"name":"seq","type":"uint32"},
   {"name":"rounds","type":"uint32"},{"name":"numberTokensConsumed","type":"uint64"}]},
   {"name":"seal","type":"bytes"}],"outputs":[]},
 {"type":"function","name":"getImageId","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"bytes32"}]},
 {"type":"event","name":"TokensFetched","anonymous":false,"inputs":[
  {"name":"provider","type":"address","indexed":true},{"name":"clientPk","type":"bytes32","indexed":true},
  {"name":"ktokens","type":"uint32","indexed":false},{"name":"tokens","type":"uint64","indexed":false}]},
 {"type":"event","name":"Claimed","anonymous":false,"inputs":[
  {"name":"provider","type":"address","indexed":true},{"name":"tokens","type":"uint256","indexed":false},
  {"name":"payout","type":"uint256","indexed":false}]},
 {"type":"error","name":"SequenceConflict","inputs":[]},
 {"type":"error","name":"InsufficientTokens","inputs":[]},
 {"type":"error","name":"ProofRejected","inputs":[]},
 {"type":"error","name":"InsufficientPayment","inputs":[]},
 {"type":"error","name":"UnknownProvider","inputs":[]}
]`

// parsedABI is the decoded ContractABI; the literal is fixed so parsing
// cannot fail at runtime.
var parsedABI = mustParseABI(ContractABI)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Field names follow abi.ToCamelCase of the component names so the abi
// package can map them.

type providerTuple struct {
	ProviderAddress common.Address
	CostPerKTokens  *big.Int
	Endpoint        string
	Model           string
}

func (t providerTuple) record() Provider {
	return Provider{Address: t.ProviderAddress, CostPerKTokens: t.CostPerKTokens, Endpoint: t.Endpoint, Model: t.Model}
}

type statusTuple struct {
	RemainingTokens uint64
	Seq             uint32
}

type claimTuple struct {
	ClientPk             [32]byte
	Seq                  uint32
	Rounds               uint32
	NumberTokensConsumed uint64
}
