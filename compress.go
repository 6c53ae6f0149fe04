package yblocker

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Content-Encoding values understood by the body codec.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
	EncodingDeflate  = "deflate"
)

// ErrUnsupportedEncoding is returned for Content-Encoding values the body
// codec cannot handle.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// normalizeEncoding reduces a Content-Encoding header to a single known
// token. Stacked encodings are rejected.
func normalizeEncoding(header string) (string, error) {
	enc := strings.ToLower(strings.TrimSpace(header))
	switch enc {
	case "", EncodingIdentity:
		return EncodingIdentity, nil
	case EncodingGzip, "x-gzip":
		return EncodingGzip, nil
	case EncodingZstd, EncodingBrotli, EncodingDeflate:
		return enc, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedEncoding, header)
}

var (
	gzipWriterPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
			return w
		},
	}
	zstdDecoder, _ = zstd.NewReader(nil)
	zstdEncoder, _ = zstd.NewWriter(nil)
)

// DecompressBytes decodes data according to a Content-Encoding value,
// reading at most limit decoded bytes. A limit of zero means no limit.
func DecompressBytes(data []byte, encoding string, limit int64) ([]byte, error) {
	enc, err := normalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}

	var r io.Reader
	switch enc {
	case EncodingIdentity:
		return data, nil
	case EncodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = gr.Close() }()
		r = gr
	case EncodingDeflate:
		// HTTP deflate is zlib-wrapped; some servers send raw DEFLATE.
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			fr := flate.NewReader(bytes.NewReader(data))
			defer func() { _ = fr.Close() }()
			r = fr
			break
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))
	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		if limit > 0 && int64(len(out)) > limit {
			return nil, ErrBodyTooLarge
		}
		return out, nil
	}

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", enc, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, ErrBodyTooLarge
	}
	return out, nil
}

// CompressBytes encodes data with the given Content-Encoding value.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	enc, err := normalizeEncoding(encoding)
	if err != nil {
		return nil, err
	}

	switch enc {
	case EncodingGzip:
		return compressGzip(data)
	case EncodingZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	case EncodingBrotli:
		return compressWith(data, func(w io.Writer) io.WriteCloser {
			return brotli.NewWriter(w)
		})
	case EncodingDeflate:
		return compressWith(data, func(w io.Writer) io.WriteCloser {
			return zlib.NewWriter(w)
		})
	default:
		return data, nil
	}
}

func compressGzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzipWriterPool.Get().(*gzip.Writer)
	w.Reset(&buf)
	defer func() {
		w.Reset(io.Discard)
		gzipWriterPool.Put(w)
	}()

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressWith(data []byte, newWriter func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer
	w := newWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
