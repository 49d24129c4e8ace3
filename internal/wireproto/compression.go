package wireproto

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/fcoury/oxidedb/internal/oxerr"
)

// Decompress inflates compressed under the named algorithm. uncompressedLen
// sizes the destination buffer up front; it is already capped against
// MaxDocumentSize by the caller before this runs.
func Decompress(id CompressionID, compressed []byte, uncompressedLen int) ([]byte, error) {
	switch id {
	case CompressionNoop:
		return compressed, nil
	case CompressionSnappy:
		dst := make([]byte, 0, uncompressedLen)
		out, err := snappy.Decode(dst, compressed)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "snappy decompression failed", err)
		}
		return out, nil
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "zlib stream open failed", err)
		}
		defer zr.Close()
		out := make([]byte, 0, uncompressedLen)
		buf := bytes.NewBuffer(out)
		if _, err := io.Copy(buf, zr); err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "zlib decompression failed", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		zr, err := zstd.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "zstd stream open failed", err)
		}
		defer zr.Close()
		out, err := zr.DecodeAll(compressed, make([]byte, 0, uncompressedLen))
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "zstd decompression failed", err)
		}
		return out, nil
	default:
		return nil, oxerr.New(oxerr.KindCompressionUnsupported, "unrecognized compressor id")
	}
}

// Compress deflates raw under the named algorithm, for a reply that must
// mirror its request's compression (spec.md §4.B).
func Compress(id CompressionID, raw []byte) ([]byte, error) {
	switch id {
	case CompressionNoop:
		return raw, nil
	case CompressionSnappy:
		return snappy.Encode(nil, raw), nil
	case CompressionZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "zlib compression failed", err)
		}
		if err := zw.Close(); err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "zlib stream close failed", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, oxerr.Wrap(oxerr.KindCompressionUnsupported, "zstd stream open failed", err)
		}
		defer zw.Close()
		return zw.EncodeAll(raw, nil), nil
	default:
		return nil, oxerr.New(oxerr.KindCompressionUnsupported, "unrecognized compressor id")
	}
}
