// Package dtypes defines the element types of the buffers held by devices.
//
// Buffers themselves are untyped bytes (see package datastore); the dtype is carried by the task descriptors
// (see package ops) so kernels know how to interpret them and so the byte size of a buffer can be computed from
// its dimensions.
package dtypes

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is the element type of a buffer.
type DType int32

// The names follow the short names used by XLA, with the Go friendly aliases defined below.
const (
	INVALID DType = iota
	PRED
	S8
	S32
	S64
	U8
	F16
	F32
	F64
)

// Aliases to the short names.
const (
	// Invalid (an alias for INVALID) represents an invalid (or not set) dtype.
	Invalid = INVALID

	// Bool (an alias for PRED) is used as the output and input of logic operations.
	Bool = PRED

	Int8    = S8
	Int32   = S32
	Int64   = S64
	Uint8   = U8
	Float16 = F16
	Float32 = F32
	Float64 = F64
)

var dtypeNames = map[DType]string{
	INVALID: "Invalid",
	PRED:    "Bool",
	S8:      "Int8",
	S32:     "Int32",
	S64:     "Int64",
	U8:      "Uint8",
	F16:     "Float16",
	F32:     "Float32",
	F64:     "Float64",
}

var shortNames = map[DType]string{
	PRED: "PRED",
	S8:   "S8",
	S32:  "S32",
	S64:  "S64",
	U8:   "U8",
	F16:  "F16",
	F32:  "F32",
	F64:  "F64",
}

// MapOfNames maps the Go name, the short name and their lower-case versions to the DType.
var MapOfNames = make(map[string]DType)

func init() {
	for dtype, name := range dtypeNames {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
	for dtype, name := range shortNames {
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// IsValid returns whether dtype is one of the known, non-invalid, dtypes.
func (dtype DType) IsValid() bool {
	_, found := shortNames[dtype]
	return found
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == F16 || dtype == F32 || dtype == F64
}

// Size returns the number of bytes of one element of the dtype, or 0 for an invalid dtype.
func (dtype DType) Size() int {
	switch dtype {
	case PRED, S8, U8:
		return 1
	case F16:
		return 2
	case S32, F32:
		return 4
	case S64, F64:
		return 8
	default:
		return 0
	}
}

// SizeForDimensions returns the number of bytes needed to store an array of dtype with the given dimensions.
// A scalar (no dimensions) holds one element.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// Float32ToFloat16 converts src into dst, which must have at least len(src) elements.
func Float32ToFloat16(dst []float16.Float16, src []float32) {
	for ii, v := range src {
		dst[ii] = float16.Fromfloat32(v)
	}
}

// Float16ToFloat32 converts src into dst, which must have at least len(src) elements.
func Float16ToFloat32(dst []float32, src []float16.Float16) {
	for ii, v := range src {
		dst[ii] = v.Float32()
	}
}
