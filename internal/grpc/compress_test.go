package grpc

import (
	"bytes"
	"io"
	"testing"

	"google.golang.org/grpc/encoding"
)

func TestZstdRoundTrip(t *testing.T) {
	compressor, err := newZstdCompressor()
	if err != nil {
		t.Fatalf("new compressor: %v", err)
	}
	payload := bytes.Repeat([]byte(`{"position":{"x":1,"y":2,"z":3}}`), 16)

	var compressed bytes.Buffer
	writer, err := compressor.Compress(&compressed)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if _, err := writer.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if compressed.Len() == 0 || compressed.Len() >= len(payload) {
		t.Fatalf("expected smaller non-empty frame, got %d bytes for %d", compressed.Len(), len(payload))
	}

	reader, err := compressor.Decompress(&compressed)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(decompressed, payload) {
		t.Fatalf("round trip mismatch: got %q", decompressed)
	}
}

func TestZstdDecompressEmpty(t *testing.T) {
	compressor, err := newZstdCompressor()
	if err != nil {
		t.Fatalf("new compressor: %v", err)
	}
	if _, err := compressor.Decompress(bytes.NewReader(nil)); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestRegisterZstdInstallsCodec(t *testing.T) {
	RegisterZstd()
	RegisterZstd()
	if encoding.GetCompressor(ZstdName) == nil {
		t.Fatal("expected zstd compressor to be registered")
	}
}
