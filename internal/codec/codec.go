// Package codec implements the pure conversion between physical signal
// values and raw CAN frame bytes, following each signal's declared bit
// position, byte order and scale/offset.
package codec

import (
	"fmt"
	"math"

	"can-bus-tester/internal/schema"
)

// ValidationError reports a physical value outside a signal's declared range.
type ValidationError struct {
	Signal string
	Value  float64
	Min    float64
	Max    float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("signal %s: value %g outside range [%g, %g]", e.Signal, e.Value, e.Min, e.Max)
}

// DecodedSignal is one decoded physical value, with the choice label when
// the raw value matches a declared choice.
type DecodedSignal struct {
	Value  float64 `json:"value"`
	Choice string  `json:"choice,omitempty"`
	Unit   string  `json:"unit,omitempty"`
}

// Encode packs the given physical values into a payload of the message's
// declared length. Every value is validated against the signal's [Min, Max]
// range; signals not present in values are encoded at their minimum.
func Encode(msg *schema.Message, values map[string]float64) ([]byte, error) {
	return encode(msg, values, true)
}

// EncodeUnchecked packs physical values without range validation. Used by
// fault injection, which produces out-of-range frames on purpose.
func EncodeUnchecked(msg *schema.Message, values map[string]float64) ([]byte, error) {
	return encode(msg, values, false)
}

func encode(msg *schema.Message, values map[string]float64, validate bool) ([]byte, error) {
	data := make([]byte, msg.Length)

	for i := range msg.Signals {
		sig := &msg.Signals[i]
		value, ok := values[sig.Name]
		if !ok {
			value = sig.Min
		}

		if validate && sig.HasRange() && (value < sig.Min || value > sig.Max) {
			return nil, &ValidationError{Signal: sig.Name, Value: value, Min: sig.Min, Max: sig.Max}
		}

		raw := physicalToRaw(sig, value)
		if err := packRaw(sig, data, raw); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// EncodeRaw packs already-raw integer values, bypassing the scale/offset
// transform and range validation. Signals absent from raws are packed at the
// raw equivalent of their minimum.
func EncodeRaw(msg *schema.Message, raws map[string]int64) ([]byte, error) {
	data := make([]byte, msg.Length)

	for i := range msg.Signals {
		sig := &msg.Signals[i]
		raw, ok := raws[sig.Name]
		if !ok {
			raw = physicalToRaw(sig, sig.Min)
		}
		if err := packRaw(sig, data, raw); err != nil {
			return nil, err
		}
	}

	return data, nil
}

// Decode unpacks a payload into per-signal physical values.
func Decode(msg *schema.Message, data []byte) (map[string]DecodedSignal, error) {
	if len(data) < int(msg.Length) {
		return nil, fmt.Errorf("message %s: payload is %d bytes, need %d", msg.Name, len(data), msg.Length)
	}

	decoded := make(map[string]DecodedSignal, len(msg.Signals))
	for i := range msg.Signals {
		sig := &msg.Signals[i]
		raw := unpackRaw(sig, data)

		ds := DecodedSignal{
			Value: float64(raw)*sig.Scale + sig.Offset,
			Unit:  sig.Unit,
		}
		if name, ok := sig.ChoiceName(raw); ok {
			ds.Choice = name
		}
		decoded[sig.Name] = ds
	}

	return decoded, nil
}

// physicalToRaw applies raw = (value - offset) / scale, rounded to the
// nearest integer.
func physicalToRaw(sig *schema.Signal, value float64) int64 {
	return int64(math.Round((value - sig.Offset) / sig.Scale))
}

// packRaw writes the low sig.Length bits of raw at the signal's declared
// position. Signed values are packed as two's complement.
func packRaw(sig *schema.Signal, data []byte, raw int64) error {
	bits := uint64(raw)
	if sig.Length < 64 {
		bits &= (uint64(1) << sig.Length) - 1
	}

	switch sig.ByteOrder {
	case schema.LittleEndian:
		for i := 0; i < sig.Length; i++ {
			pos := sig.Start + i
			byteIdx := pos / 8
			if byteIdx >= len(data) {
				return fmt.Errorf("signal %s: bit %d outside payload", sig.Name, pos)
			}
			if bits>>uint(i)&1 == 1 {
				data[byteIdx] |= 1 << uint(pos%8)
			}
		}
	case schema.BigEndian:
		// Motorola layout: Start is the MSB position, descending within a
		// byte and wrapping to bit 7 of the following byte.
		pos := sig.Start
		for i := sig.Length - 1; i >= 0; i-- {
			byteIdx := pos / 8
			if byteIdx >= len(data) {
				return fmt.Errorf("signal %s: bit %d outside payload", sig.Name, pos)
			}
			if bits>>uint(i)&1 == 1 {
				data[byteIdx] |= 1 << uint(pos%8)
			}
			if pos%8 == 0 {
				pos += 15
			} else {
				pos--
			}
		}
	default:
		return fmt.Errorf("signal %s: unknown byte order %q", sig.Name, sig.ByteOrder)
	}

	return nil
}

// unpackRaw extracts the signal's raw integer from the payload, sign
// extending when the signal is declared signed.
func unpackRaw(sig *schema.Signal, data []byte) int64 {
	var bits uint64

	switch sig.ByteOrder {
	case schema.LittleEndian:
		for i := sig.Length - 1; i >= 0; i-- {
			pos := sig.Start + i
			byteIdx := pos / 8
			bits <<= 1
			if byteIdx < len(data) && data[byteIdx]>>uint(pos%8)&1 == 1 {
				bits |= 1
			}
		}
	case schema.BigEndian:
		pos := sig.Start
		for i := 0; i < sig.Length; i++ {
			byteIdx := pos / 8
			bits <<= 1
			if byteIdx < len(data) && data[byteIdx]>>uint(pos%8)&1 == 1 {
				bits |= 1
			}
			if pos%8 == 0 {
				pos += 15
			} else {
				pos--
			}
		}
	}

	if sig.IsSigned && sig.Length < 64 && bits>>(uint(sig.Length)-1)&1 == 1 {
		bits |= ^uint64(0) << uint(sig.Length)
	}
	return int64(bits)
}
