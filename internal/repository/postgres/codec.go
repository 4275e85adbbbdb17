package postgres

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/and161185/retoucher/internal/model"
)

// Metadata snapshots are stored as zstd-compressed deterministic CBOR.
// CBOR keeps byte strings distinct from text, which JSON cannot.
var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("postgres: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("postgres: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("postgres: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("postgres: zstd decoder initialization failed: " + err.Error())
	}
}

func encodeMetadata(md model.Metadata) ([]byte, error) {
	b, err := encMode.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return zstdEncoder.EncodeAll(b, nil), nil
}

func decodeMetadata(data []byte) (model.Metadata, error) {
	if len(data) == 0 {
		return model.EmptyMetadata(), nil
	}
	b, err := zstdDecoder.DecodeAll(data, nil)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	var md model.Metadata
	if err := decMode.Unmarshal(b, &md); err != nil {
		return model.Metadata{}, fmt.Errorf("decode metadata: %w", err)
	}
	if md.Raw == nil {
		md.Raw = model.Raw{}
	}
	return md, nil
}
