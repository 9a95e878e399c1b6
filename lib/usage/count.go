// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package usage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Count is a token count tagged with its provenance: Actual when the
// provider reported it, Approx when it was estimated locally. The
// zero value is Actual(0).
//
// Count never collapses to a bare number in serialized form. JSON and
// CBOR both encode it as a single-key object, {"Actual":n} or
// {"Approx":n}. Decoding also accepts a bare number, written by older
// stores, and reads it as Actual. A number may be written as an
// integral float (120.0, 1.2e2); a fractional one is rejected.
type Count struct {
	value  int64
	approx bool
}

// Actual returns a provider-reported count.
func Actual(n int64) Count {
	return Count{value: n}
}

// Approx returns a locally estimated count.
func Approx(n int64) Count {
	return Count{value: n, approx: true}
}

// Value returns the number of tokens regardless of provenance.
func (count Count) Value() int64 {
	return count.value
}

// IsApprox reports whether the count was estimated.
func (count Count) IsApprox() bool {
	return count.approx
}

// Add sums two counts. The result is Actual only when both operands
// are Actual.
func (count Count) Add(other Count) Count {
	return Count{
		value:  count.value + other.value,
		approx: count.approx || other.approx,
	}
}

func (count Count) tag() string {
	if count.approx {
		return "Approx"
	}
	return "Actual"
}

func (count Count) String() string {
	return count.tag() + "(" + strconv.FormatInt(count.value, 10) + ")"
}

// MarshalJSON encodes the tagged form.
func (count Count) MarshalJSON() ([]byte, error) {
	return []byte(`{"` + count.tag() + `":` + strconv.FormatInt(count.value, 10) + `}`), nil
}

// UnmarshalJSON accepts {"Actual":n}, {"Approx":n}, or a bare number.
func (count *Count) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*count = Count{}
		return nil
	}
	if data[0] != '{' {
		var bare json.Number
		if err := json.Unmarshal(data, &bare); err != nil {
			return fmt.Errorf("usage: decoding count %s: %w", data, err)
		}
		value, err := jsonInteger(bare)
		if err != nil {
			return fmt.Errorf("usage: decoding count %s: %w", data, err)
		}
		*count = Actual(value)
		return nil
	}

	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("usage: decoding count %s: %w", data, err)
	}
	tagged := make(map[string]int64, len(raw))
	for tag, number := range raw {
		value, err := jsonInteger(number)
		if err != nil {
			return fmt.Errorf("usage: decoding count %s: %w", data, err)
		}
		tagged[tag] = value
	}
	decoded, err := fromTagged(tagged)
	if err != nil {
		return err
	}
	*count = decoded
	return nil
}

// MarshalCBOR encodes the tagged form as a one-entry CBOR map.
func (count Count) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(map[string]int64{count.tag(): count.value})
}

// UnmarshalCBOR accepts the one-entry map or a bare number.
func (count *Count) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("usage: decoding count: %w", err)
	}
	switch raw.(type) {
	case nil:
		*count = Count{}
		return nil
	case uint64, int64, float64:
		value, err := cborInteger(raw)
		if err != nil {
			return fmt.Errorf("usage: decoding count: %w", err)
		}
		*count = Actual(value)
		return nil
	}

	var entries map[string]any
	if err := cbor.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("usage: decoding count: %w", err)
	}
	tagged := make(map[string]int64, len(entries))
	for tag, entry := range entries {
		value, err := cborInteger(entry)
		if err != nil {
			return fmt.Errorf("usage: decoding count: %w", err)
		}
		tagged[tag] = value
	}
	decoded, err := fromTagged(tagged)
	if err != nil {
		return err
	}
	*count = decoded
	return nil
}

func jsonInteger(number json.Number) (int64, error) {
	if value, err := number.Int64(); err == nil {
		return value, nil
	}
	value, err := strconv.ParseFloat(number.String(), 64)
	if err != nil {
		return 0, err
	}
	return floatInteger(value)
}

func cborInteger(raw any) (int64, error) {
	switch value := raw.(type) {
	case uint64:
		if value > math.MaxInt64 {
			return 0, fmt.Errorf("count %d overflows int64", value)
		}
		return int64(value), nil
	case int64:
		return value, nil
	case float64:
		return floatInteger(value)
	}
	return 0, fmt.Errorf("count has type %T, want a number", raw)
}

// floatInteger accepts a float that holds an exact int64.
func floatInteger(value float64) (int64, error) {
	if value != math.Trunc(value) || value < math.MinInt64 || value >= math.MaxInt64 {
		return 0, fmt.Errorf("count %v is not an integer", value)
	}
	return int64(value), nil
}

func fromTagged(tagged map[string]int64) (Count, error) {
	if len(tagged) != 1 {
		return Count{}, fmt.Errorf("usage: count object must have exactly one of Actual or Approx, got %d keys", len(tagged))
	}
	if value, ok := tagged["Actual"]; ok {
		return Actual(value), nil
	}
	if value, ok := tagged["Approx"]; ok {
		return Approx(value), nil
	}
	return Count{}, fmt.Errorf("usage: count object has unknown tag")
}
