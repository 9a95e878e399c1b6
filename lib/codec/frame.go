// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Format selects how protocol messages are framed on a stream.
type Format string

const (
	// FormatJSON is one compact JSON value per line.
	FormatJSON Format = "json"

	// FormatCBOR is an RFC 8742 CBOR sequence: data items back to
	// back with no delimiter.
	FormatCBOR Format = "cbor"
)

// MaxFrameSize bounds a single JSON line.
const MaxFrameSize = 16 << 20

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatJSON, FormatCBOR:
		return Format(name), nil
	}
	return "", fmt.Errorf("codec: unknown framing %q (want json or cbor)", name)
}

// FrameReader yields one message per call as JSON bytes, whatever the
// wire format. It returns io.EOF at a clean end of stream.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FrameWriter writes one JSON-encoded message per call in the wire
// format. Implementations are not safe for concurrent use.
type FrameWriter interface {
	WriteFrame(message []byte) error
}

// NewFrameReader returns a reader for format over r.
func NewFrameReader(format Format, r io.Reader) FrameReader {
	if format == FormatCBOR {
		return &cborFrameReader{decoder: decMode.NewDecoder(r)}
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), MaxFrameSize)
	return &jsonFrameReader{scanner: scanner}
}

// NewFrameWriter returns a writer for format over w.
func NewFrameWriter(format Format, w io.Writer) FrameWriter {
	if format == FormatCBOR {
		return &cborFrameWriter{writer: w}
	}
	return &jsonFrameWriter{writer: w}
}

type jsonFrameReader struct {
	scanner *bufio.Scanner
}

// ReadFrame returns the next non-blank line. The line is not
// validated, so a caller can answer a malformed message and keep
// reading.
func (reader *jsonFrameReader) ReadFrame() ([]byte, error) {
	for reader.scanner.Scan() {
		line := bytes.TrimSpace(reader.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		return bytes.Clone(line), nil
	}
	if err := reader.scanner.Err(); err != nil {
		return nil, fmt.Errorf("codec: reading JSON frame: %w", err)
	}
	return nil, io.EOF
}

type jsonFrameWriter struct {
	writer io.Writer
	buffer bytes.Buffer
}

func (writer *jsonFrameWriter) WriteFrame(message []byte) error {
	writer.buffer.Reset()
	if err := json.Compact(&writer.buffer, message); err != nil {
		return fmt.Errorf("codec: compacting JSON frame: %w", err)
	}
	writer.buffer.WriteByte('\n')
	_, err := writer.writer.Write(writer.buffer.Bytes())
	return err
}

type cborFrameReader struct {
	decoder *cbor.Decoder
}

// ReadFrame decodes the next data item. A malformed item leaves the
// stream position unknown, so its error is final.
func (reader *cborFrameReader) ReadFrame() ([]byte, error) {
	var value any
	if err := reader.decoder.Decode(&value); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("codec: reading CBOR frame: %w", err)
	}
	return marshalJSON(value)
}

type cborFrameWriter struct {
	writer io.Writer
}

func (writer *cborFrameWriter) WriteFrame(message []byte) error {
	encoded, err := JSONToCBOR(message)
	if err != nil {
		return err
	}
	_, err = writer.writer.Write(encoded)
	return err
}
