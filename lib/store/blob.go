// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/codeloop/lib/llm"
)

// Context blob encodings. The digest always covers the uncompressed
// JSON so a blob can be re-encoded without changing it.
const (
	encodingJSON     = "json"
	encodingZstdJSON = "zstd+json"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use with
// EncodeAll and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// contextBlob is the stored form of a message history.
type contextBlob struct {
	data     []byte
	encoding string
	digest   []byte
}

func encodeContext(messages []llm.Message) (contextBlob, error) {
	if messages == nil {
		messages = []llm.Message{}
	}
	plain, err := json.Marshal(messages)
	if err != nil {
		return contextBlob{}, fmt.Errorf("store: encoding context: %w", err)
	}
	digest := blake3.Sum256(plain)
	return contextBlob{
		data:     zstdEncoder.EncodeAll(plain, nil),
		encoding: encodingZstdJSON,
		digest:   digest[:],
	}, nil
}

func decodeContext(blob contextBlob) ([]llm.Message, error) {
	var plain []byte
	switch blob.encoding {
	case encodingJSON:
		plain = blob.data
	case encodingZstdJSON:
		var err error
		plain, err = zstdDecoder.DecodeAll(blob.data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown context encoding %q", ErrCorrupt, blob.encoding)
	}
	digest := blake3.Sum256(plain)
	if !bytes.Equal(digest[:], blob.digest) {
		return nil, fmt.Errorf("%w: context digest mismatch", ErrCorrupt)
	}
	var messages []llm.Message
	if err := json.Unmarshal(plain, &messages); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return messages, nil
}
