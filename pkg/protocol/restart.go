// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"
)

// CompressBlob deflates a restart blob with a zlib sync flush and no
// stream terminator, matching the historical framing: the peer knows
// the compressed length from the size prefix and never sees an
// end-of-stream marker.
func CompressBlob(blob []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zlib.NewWriterLevel(&buf, 5)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(blob); err != nil {
		return nil, err
	}
	if err := zw.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressBlob inflates a sync-flushed blob. The unterminated stream
// ends in an unexpected EOF by construction, which is not an error here.
func DecompressBlob(blob []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, &Error{Reason: "restart blob is not a zlib stream: " + err.Error()}
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, &Error{Reason: "inflate restart blob: " + err.Error()}
	}
	return out, nil
}
