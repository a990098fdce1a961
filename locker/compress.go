package locker

import "github.com/klauspost/compress/zstd"

// Shared zstd codec instances; EncodeAll and DecodeAll are safe for
// concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func zstdCompress(b []byte) []byte {
	return zstdEncoder.EncodeAll(b, make([]byte, 0, len(b)/2))
}

func zstdExpand(b []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(b, nil)
}
