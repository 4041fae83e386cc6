package eth

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	},
	{
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"name": "from", "type": "address"},
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"},
			{"name": "validAfter", "type": "uint256"},
			{"name": "validBefore", "type": "uint256"},
			{"name": "nonce", "type": "bytes32"},
			{"name": "v", "type": "uint8"},
			{"name": "r", "type": "bytes32"},
			{"name": "s", "type": "bytes32"}
		],
		"name": "transferWithAuthorization",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

const (
	FunctionTransfer                  = "transfer"
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	EventTransfer                     = "Transfer"
)

// TxStatusSuccess is the receipt status of a successful transaction.
const TxStatusSuccess = types.ReceiptStatusSuccessful

var (
	// ERC20ABI holds the parts of the ERC-20 and EIP-3009 interfaces the gate uses.
	ERC20ABI abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)").
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid erc20 abi: %v", err))
	}
	ERC20ABI = parsed
}

// Transfer is a decoded ERC-20 Transfer event or transfer call.
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

// IsTransferLog reports whether log has the shape of an ERC-20 Transfer
// event. ERC-721 transfers share the topic but index the third argument.
func IsTransferLog(log *types.Log) bool {
	return len(log.Topics) == 3 && log.Topics[0] == TransferTopic
}

// DecodeTransferLog decodes an ERC-20 Transfer event.
func DecodeTransferLog(log *types.Log) (*Transfer, error) {
	if !IsTransferLog(log) {
		return nil, fmt.Errorf("not an erc20 transfer log")
	}

	values, err := ERC20ABI.Unpack(EventTransfer, log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack transfer log: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected transfer log data")
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected transfer value type %T", values[0])
	}

	return &Transfer{
		From:  common.BytesToAddress(log.Topics[1].Bytes()),
		To:    common.BytesToAddress(log.Topics[2].Bytes()),
		Value: value,
	}, nil
}

// DecodeTransferCall decodes calldata of transfer(address,uint256).
func DecodeTransferCall(data []byte) (*Transfer, error) {
	method := ERC20ABI.Methods[FunctionTransfer]
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		return nil, fmt.Errorf("calldata is not an erc20 transfer")
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("failed to unpack transfer call: %w", err)
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("unexpected transfer arguments")
	}
	to, ok := args[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected recipient type %T", args[0])
	}
	value, ok := args[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected amount type %T", args[1])
	}

	return &Transfer{To: to, Value: value}, nil
}

// PackTransfer encodes calldata for transfer(to, value).
func PackTransfer(to common.Address, value *big.Int) ([]byte, error) {
	return ERC20ABI.Pack(FunctionTransfer, to, value)
}
