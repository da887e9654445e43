package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
)

// bodyMagic marks an engine-compressed body. The caller payload under
// user-managed behavior is never wrapped, so the marker only ever guards
// bodies this package produced.
var bodyMagic = []byte{0x50, 0x5a, 0x01, 0x00}

// compressBody wraps body in the gzip envelope when it crosses the
// threshold; below it the body passes through untouched.
func compressBody(body []byte, threshold int) ([]byte, error) {
	if threshold <= 0 || len(body) <= threshold {
		return body, nil
	}

	var buf bytes.Buffer
	buf.Write(bodyMagic)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress body: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressBody unwraps the gzip envelope when the magic marker is
// present and returns other bodies unchanged.
func decompressBody(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, bodyMagic) {
		return body, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(body[len(bodyMagic):]))
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed body: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress body: %w", err)
	}
	return out, nil
}
