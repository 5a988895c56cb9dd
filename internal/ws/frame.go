// Package ws implements the WS Multiplex Layer (spec §4.10): a single
// persistent binary channel carrying typed RPC, proxied internally to the
// admin HTTP surface over loopback. The frame codec and the correlation
// HMAC are kept as synchronous pure functions, testable without a running
// server (spec §9 design note).
package ws

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"

	"infra/dcmingest/internal/classify"
)

// PayloadKind identifies the wire encoding of a frame's payload (spec
// §4.10).
type PayloadKind byte

const (
	KindJSON   PayloadKind = 0
	KindText   PayloadKind = 1
	KindBinary PayloadKind = 2
)

// Compression identifies whether a frame's payload bytes are gzipped.
type Compression byte

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

const (
	// ProtocolVersion is the only version this codec accepts.
	ProtocolVersion = 1

	// headerSize is the fixed 32-byte frame header (spec §4.10).
	headerSize = 32

	// messageIDSize is the opaque 16-byte message id occupying bytes 4-19.
	messageIDSize = 16

	// gzipThreshold is the minimum uncompressed payload size that makes a
	// frame eligible for gzip (spec §4.10): "apply gzip iff payload >= 32
	// KB and content type != 'image'".
	gzipThreshold = 32 * 1024
)

// MessageID is the frame's opaque 16-byte correlation id.
type MessageID [messageIDSize]byte

// Frame is a decoded WS frame.
type Frame struct {
	MessageID   MessageID
	Compression Compression
	Kind        PayloadKind
	Payload     []byte // decompressed
}

// Encode builds the wire bytes for one frame. If contentType != "image" and
// the payload is at least gzipThreshold bytes, the payload is gzipped; a
// compression failure falls back to the uncompressed payload with the
// header rewritten accordingly (spec §4.10: "If compression fails, fall
// back to uncompressed and rewrite the header byte").
func Encode(id MessageID, kind PayloadKind, contentType string, payload []byte) []byte {
	compression := CompressionNone
	stored := payload

	if len(payload) >= gzipThreshold && contentType != "image" {
		if gz, err := gzipBytes(payload); err == nil {
			compression = CompressionGzip
			stored = gz
		}
	}

	header := make([]byte, headerSize)
	header[0] = ProtocolVersion
	header[1] = 0
	header[2] = byte(compression)
	header[3] = byte(kind)
	copy(header[4:4+messageIDSize], id[:])
	binary.BigEndian.PutUint32(header[20:24], uint32(len(stored)))
	// bytes 24-31 stay zero.

	out := make([]byte, 0, headerSize+len(stored))
	out = append(out, header...)
	out = append(out, stored...)
	return out
}

// Decode parses the wire bytes of one frame, decompressing the payload if
// the compression byte indicates gzip.
func Decode(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, classify.BadSchemaf("frame too small")
	}
	if data[0] != ProtocolVersion {
		return Frame{}, classify.BadSchemaf("Unsupported WS protocol version %d", data[0])
	}

	var id MessageID
	copy(id[:], data[4:4+messageIDSize])
	payloadLen := binary.BigEndian.Uint32(data[20:24])
	tail := data[headerSize:]
	if uint64(payloadLen) > uint64(len(tail)) {
		return Frame{}, classify.BadSchemaf("payload incomplete")
	}
	stored := tail[:payloadLen]

	compression := Compression(data[2])
	kind := PayloadKind(data[3])

	payload := stored
	if compression == CompressionGzip {
		decompressed, err := gunzipBytes(stored)
		if err != nil {
			return Frame{}, classify.BadSchemaf("decompressing frame payload: %v", err)
		}
		payload = decompressed
	}

	return Frame{MessageID: id, Compression: compression, Kind: kind, Payload: payload}, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// EncodeBinaryResult builds an image/binary result payload: a 4-byte
// big-endian meta length, the JSON meta record, then the raw bytes (spec
// §4.10 "Result encoding").
func EncodeBinaryResult(meta []byte, raw []byte) []byte {
	out := make([]byte, 4+len(meta)+len(raw))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(meta)))
	copy(out[4:4+len(meta)], meta)
	copy(out[4+len(meta):], raw)
	return out
}

// DecodeBinaryResult splits a binary-result payload back into its meta JSON
// and raw bytes.
func DecodeBinaryResult(payload []byte) (meta []byte, raw []byte, err error) {
	if len(payload) < 4 {
		return nil, nil, classify.BadSchemaf("binary result payload too small")
	}
	metaLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(4+metaLen) > uint64(len(payload)) {
		return nil, nil, classify.BadSchemaf("binary result meta length exceeds payload")
	}
	meta = payload[4 : 4+metaLen]
	raw = payload[4+metaLen:]
	return meta, raw, nil
}
