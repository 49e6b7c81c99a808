package store

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ABI snapshots are stored zstd-compressed; a contract ABI is repetitive JSON
// and shrinks by an order of magnitude.
var (
	abiEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	abiDecoder, _ = zstd.NewReader(nil)
)

// CompressABI encodes an ABI snapshot for storage. A nil ABI encodes to nil.
func CompressABI(abi json.RawMessage) []byte {
	if len(abi) == 0 {
		return nil
	}
	return abiEncoder.EncodeAll(abi, make([]byte, 0, len(abi)/4))
}

// DecompressABI reverses CompressABI.
func DecompressABI(data []byte) (json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil
	}
	out, err := abiDecoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress abi: %w", err)
	}
	return json.RawMessage(out), nil
}
