package apisec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
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
	EncodingGzip     = "gzip"
	EncodingZstd     = "zstd"
	EncodingBrotli   = "br"
	EncodingDeflate  = "deflate"
	EncodingIdentity = "identity"
)

// DefaultDecodeLimit bounds the decoded size of a single body.
const DefaultDecodeLimit = 32 << 20

// ErrUnsupportedEncoding is returned for content codings the codec does not know.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// ContentEncodings returns the codings listed in the Content-Encoding header
// in the order they were applied. identity is omitted.
func ContentEncodings(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Content-Encoding") {
		for _, part := range strings.Split(v, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" && part != EncodingIdentity {
				out = append(out, part)
			}
		}
	}
	return out
}

// DecodeBody undoes the codings in h's Content-Encoding. The decoded output is
// capped at limit bytes (DefaultDecodeLimit when limit <= 0). When the input
// is truncated or corrupt the bytes decoded so far are returned together with
// the error.
func DecodeBody(h http.Header, body []byte, limit int64) ([]byte, error) {
	encodings := ContentEncodings(h)
	if len(encodings) == 0 || len(body) == 0 {
		return body, nil
	}
	if limit <= 0 {
		limit = DefaultDecodeLimit
	}

	out := body
	for i := len(encodings) - 1; i >= 0; i-- {
		decoded, err := decodeOne(encodings[i], out, limit)
		if err != nil {
			if len(decoded) > 0 {
				return decoded, err
			}
			return out, err
		}
		out = decoded
	}
	return out, nil
}

func decodeOne(encoding string, data []byte, limit int64) ([]byte, error) {
	var (
		r   io.Reader
		err error
	)
	src := bytes.NewReader(data)

	switch encoding {
	case EncodingGzip, "x-gzip":
		var zr *gzip.Reader
		if zr, err = gzip.NewReader(src); err == nil {
			defer func() { _ = zr.Close() }()
			r = zr
		}
	case EncodingDeflate:
		// Most servers send zlib-wrapped deflate; some send a raw stream.
		var zr io.ReadCloser
		if zr, err = zlib.NewReader(src); err == nil {
			defer func() { _ = zr.Close() }()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(data))
			defer func() { _ = fr.Close() }()
			r, err = fr, nil
		}
	case EncodingBrotli:
		r = brotli.NewReader(src)
	case EncodingZstd:
		var zr *zstd.Decoder
		if zr, err = zstd.NewReader(src, zstd.WithDecoderConcurrency(1)); err == nil {
			defer zr.Close()
			r = zr
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", encoding, err)
	}

	out, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return out, fmt.Errorf("decode %s: %w", encoding, err)
	}
	return out, nil
}

// EncodeBody applies the codings in h's Content-Encoding to data.
func EncodeBody(h http.Header, data []byte) ([]byte, error) {
	out := data
	for _, enc := range ContentEncodings(h) {
		var err error
		if out, err = CompressBytes(out, enc); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var gzipWriterPool = sync.Pool{
	New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	},
}

// CompressBytes compresses data with the specified encoding.
func CompressBytes(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingGzip, "x-gzip":
		return compressGzip(data)
	case EncodingDeflate:
		return compressDeflate(data)
	case EncodingZstd:
		return compressZstd(data)
	case EncodingBrotli:
		return compressBrotli(data)
	case EncodingIdentity, "":
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, encoding)
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

func compressDeflate(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.Close() }()
	return w.EncodeAll(data, nil), nil
}

func compressBrotli(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
