// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec frames protocol messages on a byte stream.
//
// Two framings are supported. [FormatJSON] writes one compact JSON
// value per line and is what a human or a shell script reads.
// [FormatCBOR] writes an RFC 8742 CBOR sequence for clients that want a
// compact binary stream.
//
// The protocol layer works in JSON in both cases: [FrameReader]
// returns each message as JSON bytes and [FrameWriter] accepts JSON
// bytes, transcoding to and from CBOR at the edge. Field names and
// tagged values such as token counts are therefore identical in both
// framings.
//
// The CBOR encoder uses Core Deterministic Encoding (RFC 8949 §4.2),
// so the same logical message always produces the same bytes.
//
//	reader := codec.NewFrameReader(codec.FormatCBOR, conn)
//	writer := codec.NewFrameWriter(codec.FormatCBOR, conn)
//	for {
//		message, err := reader.ReadFrame()
//		...
//		err = writer.WriteFrame(reply)
//	}
package codec
