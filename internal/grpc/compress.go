package grpc

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/grpc/encoding"
)

// ZstdName is the content-coding name advertised for zstd compressed messages.
const ZstdName = "zstd"

// zstdCompressor implements encoding.Compressor on top of klauspost/compress.
// EncodeAll and DecodeAll are safe for concurrent use, so one encoder and one
// decoder serve every stream.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var registerOnce sync.Once

// RegisterZstd installs the zstd codec with the gRPC encoding registry. Both
// server and client must register before compressed calls can flow.
func RegisterZstd() {
	registerOnce.Do(func() {
		compressor, err := newZstdCompressor()
		if err != nil {
			panic(fmt.Sprintf("zstd compressor: %v", err))
		}
		encoding.RegisterCompressor(compressor)
	})
}

func newZstdCompressor() (*zstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: encoder, decoder: decoder}, nil
}

// Name reports the identifier used for zstd encoded payloads.
func (c *zstdCompressor) Name() string { return ZstdName }

// Compress returns a writer that buffers the message and emits one zstd frame on Close.
func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &zstdFrameWriter{dst: w, encoder: c.encoder}, nil
}

// Decompress reads the whole frame and exposes the decoded message.
func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	//1.- Guard against empty payloads so callers see a codec error instead of a silent empty message.
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("zstd read: %w", err)
	}
	if len(compressed) == 0 {
		return nil, fmt.Errorf("zstd decompress: empty payload")
	}
	//2.- Decode into a fresh buffer for the caller.
	plain, err := c.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return bytes.NewReader(plain), nil
}

type zstdFrameWriter struct {
	dst     io.Writer
	encoder *zstd.Encoder
	buf     bytes.Buffer
	closed  bool
}

func (w *zstdFrameWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("zstd write: writer closed")
	}
	return w.buf.Write(p)
}

func (w *zstdFrameWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if _, err := w.dst.Write(w.encoder.EncodeAll(w.buf.Bytes(), nil)); err != nil {
		return fmt.Errorf("zstd flush: %w", err)
	}
	return nil
}
