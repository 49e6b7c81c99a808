package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	contracts "github.com/fds-service/contracts"
)

// PackConstructor ABI-encodes args for the constructor declared in abiJSON.
// Arguments are coerced to the declared input types, so addresses and
// integers may be given as strings.
func PackConstructor(abiJSON json.RawMessage, args []any) ([]byte, error) {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}

	inputs := parsed.Constructor.Inputs
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("%w: constructor takes %d arguments, got %d",
			contracts.ErrInvalidStep, len(inputs), len(args))
	}

	coerced := make([]any, len(args))
	for i, input := range inputs {
		v, err := Coerce(input.Type, args[i])
		if err != nil {
			name := input.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("%w: constructor argument %s: %v", contracts.ErrInvalidStep, name, err)
		}
		coerced[i] = v
	}

	packed, err := parsed.Pack("", coerced...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack constructor: %v", contracts.ErrInvalidStep, err)
	}
	return packed, nil
}

// Coerce converts v to the Go value go-ethereum expects for t.
func Coerce(t abi.Type, v any) (any, error) {
	switch t.T {
	case abi.AddressTy:
		return toAddress(v)
	case abi.UintTy, abi.IntTy:
		return toInteger(t, v)
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil
	case abi.BytesTy:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return hexutil.Decode(b)
		}
	case abi.FixedBytesTy:
		return toFixedBytes(t, v)
	default:
		return v, nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
}

func toAddress(v any) (common.Address, error) {
	switch a := v.(type) {
	case common.Address:
		return a, nil
	case *common.Address:
		return *a, nil
	case string:
		if !common.IsHexAddress(a) {
			return common.Address{}, fmt.Errorf("invalid address %q", a)
		}
		return common.HexToAddress(a), nil
	}
	return common.Address{}, fmt.Errorf("cannot use %T as address", v)
}

func toBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int8:
		return big.NewInt(int64(n)), nil
	case int16:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		return big.NewInt(int64(n)), nil
	case json.Number:
		return parseBig(n.String())
	case string:
		return parseBig(n)
	}
	return nil, fmt.Errorf("cannot use %T as integer", v)
}

func parseBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return hexutil.DecodeBig(s)
	}
	n, ok := new(big.Int).SetString(strings.ReplaceAll(s, "_", ""), 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

func toInteger(t abi.Type, v any) (any, error) {
	n, err := toBig(v)
	if err != nil {
		return nil, err
	}

	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return nil, fmt.Errorf("%s out of range for %s", n, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("%s out of range for %s", n, t.String())
		}
	}

	if t.Size > 64 {
		return n, nil
	}
	goType := t.GetType()
	if t.T == abi.UintTy {
		return reflect.ValueOf(n.Uint64()).Convert(goType).Interface(), nil
	}
	return reflect.ValueOf(n.Int64()).Convert(goType).Interface(), nil
}

func toFixedBytes(t abi.Type, v any) (any, error) {
	var b []byte
	switch x := v.(type) {
	case []byte:
		b = x
	case common.Hash:
		b = x.Bytes()
	case string:
		decoded, err := hexutil.Decode(x)
		if err != nil {
			return nil, err
		}
		b = decoded
	default:
		return nil, fmt.Errorf("cannot use %T as %s", v, t.String())
	}
	if len(b) != t.Size {
		return nil, fmt.Errorf("%s needs %d bytes, got %d", t.String(), t.Size, len(b))
	}
	arr := reflect.New(t.GetType()).Elem()
	reflect.Copy(arr, reflect.ValueOf(b))
	return arr.Interface(), nil
}
