package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Package-level encoder/decoder, safe for concurrent use. Heartbeat device
// lists above compressThreshold are zstd-compressed before framing so a
// worker with many devices doesn't blow past MaxFrameSize.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("wire: init zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("wire: init zstd decoder: %v", err))
	}
}

func compressBlob(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

func decompressBlob(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}
