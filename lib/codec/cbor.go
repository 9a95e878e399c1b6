// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so a decoded value
// can be handed straight to encoding/json.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// JSONToCBOR re-encodes one JSON value as CBOR. Integral JSON numbers
// become CBOR integers rather than floats.
func JSONToCBOR(data []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("codec: decoding JSON: %w", err)
	}
	encoded, err := encMode.Marshal(fromJSONNumbers(value))
	if err != nil {
		return nil, fmt.Errorf("codec: encoding CBOR: %w", err)
	}
	return encoded, nil
}

// CBORToJSON re-encodes one CBOR data item as JSON. Maps must have
// string keys.
func CBORToJSON(data []byte) ([]byte, error) {
	var value any
	if err := decMode.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("codec: decoding CBOR: %w", err)
	}
	return marshalJSON(value)
}

func marshalJSON(value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("codec: encoding JSON: %w", err)
	}
	return encoded, nil
}

func fromJSONNumbers(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := typed.Int64(); err == nil {
			return integer
		}
		float, _ := typed.Float64()
		return float
	case map[string]any:
		for key, element := range typed {
			typed[key] = fromJSONNumbers(element)
		}
		return typed
	case []any:
		for index, element := range typed {
			typed[index] = fromJSONNumbers(element)
		}
		return typed
	default:
		return value
	}
}
