package dtypes

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestMapOfNames(t *testing.T) {
	require.Equal(t, Float16, MapOfNames["Float16"])
	require.Equal(t, Float16, MapOfNames["float16"])
	require.Equal(t, Float16, MapOfNames["F16"])
	require.Equal(t, Float16, MapOfNames["f16"])
	require.Equal(t, Bool, MapOfNames["PRED"])
	_, found := MapOfNames["complex64"]
	require.False(t, found)
}

func TestSizeForDimensions(t *testing.T) {
	require.Equal(t, 4, Float32.SizeForDimensions())
	require.Equal(t, 2*3*4, Float32.SizeForDimensions(2, 3))
	require.Equal(t, 2*5, Float16.SizeForDimensions(5))
	require.Equal(t, 0, Float64.SizeForDimensions(0, 7))
	require.Equal(t, 0, Invalid.SizeForDimensions(3))
	require.False(t, Invalid.IsValid())
	require.True(t, Float16.IsFloat())
	require.False(t, Int32.IsFloat())
}

func TestFloat16Conversions(t *testing.T) {
	src := []float32{0, 1, -2.5, 1024}
	half := make([]float16.Float16, len(src))
	Float32ToFloat16(half, src)
	back := make([]float32, len(src))
	Float16ToFloat32(back, half)
	require.Equal(t, src, back)
}
