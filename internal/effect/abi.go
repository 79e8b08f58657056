package effect

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"automation/internal/failure"
	"automation/pkg/exception"
)

var (
	reasonArgs = mustArguments("string")
	txHashArgs = mustArguments("bytes32")
	amountArgs = mustArguments("uint256")
	logArgs    = mustArguments("uint8", "bytes32", "string")
	marketArgs = mustArguments("string", "string")
)

func mustArguments(typeNames ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(typeNames))
	for _, name := range typeNames {
		t, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(err)
		}
		args = append(args, abi.Argument{Type: t})
	}
	return args
}

// EncodeReason encodes a business failure reason as abi(string).
func EncodeReason(reason string) []byte {
	data, err := reasonArgs.Pack(reason)
	if err != nil {
		return nil
	}
	return data
}

// DecodeReason reverses EncodeReason.
func DecodeReason(data []byte) (string, error) {
	values, err := reasonArgs.Unpack(data)
	if err != nil {
		return "", failure.Wrap(exception.ErrDecodePayload, err.Error())
	}
	return values[0].(string), nil
}

// EncodeTxHash encodes a confirmed transaction hash as abi(bytes32).
func EncodeTxHash(hash common.Hash) []byte {
	data, err := txHashArgs.Pack([32]byte(hash))
	if err != nil {
		return nil
	}
	return data
}

// DecodeTxHash reverses EncodeTxHash.
func DecodeTxHash(data []byte) (common.Hash, error) {
	values, err := txHashArgs.Unpack(data)
	if err != nil {
		return common.Hash{}, failure.Wrap(exception.ErrDecodePayload, err.Error())
	}
	return common.Hash(values[0].([32]byte)), nil
}

// EncodeAmount builds a USE_FUNDS or RETURN_FUNDS payload.
func EncodeAmount(amount *big.Int) ([]byte, error) {
	return amountArgs.Pack(amount)
}

func decodeAmount(payload []byte) (*big.Int, error) {
	values, err := amountArgs.Unpack(payload)
	if err != nil {
		return nil, failure.Wrap(exception.ErrDecodePayload, err.Error())
	}
	return values[0].(*big.Int), nil
}

// EncodeLog builds a LOG payload.
func EncodeLog(level Level, topic common.Hash, message string) ([]byte, error) {
	return logArgs.Pack(uint8(level), [32]byte(topic), message)
}

func decodeLog(payload []byte) (Level, common.Hash, string, error) {
	values, err := logArgs.Unpack(payload)
	if err != nil {
		return 0, common.Hash{}, "", failure.Wrap(exception.ErrDecodePayload, err.Error())
	}
	return Level(values[0].(uint8)), common.Hash(values[1].([32]byte)), values[2].(string), nil
}

// EncodeMarket builds a SUBSCRIBE_OHLC or UNSUBSCRIBE_OHLC payload.
func EncodeMarket(market, interval string) ([]byte, error) {
	return marketArgs.Pack(market, interval)
}

func decodeMarket(payload []byte) (string, string, error) {
	values, err := marketArgs.Unpack(payload)
	if err != nil {
		return "", "", failure.Wrap(exception.ErrDecodePayload, err.Error())
	}
	return values[0].(string), values[1].(string), nil
}
