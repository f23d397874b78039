package convdims

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/convdims/types/shapes"
)

func TestNewDepthwise(t *testing.T) {
	// 4 input channels, multiplier 3 -> 12 output channels.
	d, err := NewDepthwise(S(F32, 10, 4, 2), S(F32, 3, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, d.SpatialRank())
	assert.Equal(t, []int{10}, d.InputSize())
	assert.Equal(t, []int{3}, d.KernelSize())
	assert.Equal(t, 4, d.InputChannels())
	assert.Equal(t, 3, d.ChannelMultiplier())
	assert.Equal(t, 12, d.OutputChannels())
	assert.Equal(t, []int{8}, d.OutputSize())

	d2, err := NewDepthwiseFromShaped(S(F32, 10, 4, 2), S(F32, 3, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, d.String(), d2.String())
}

// The channel relation is asserted eagerly, before any output-size computation.
func TestNewDepthwiseChannelMismatch(t *testing.T) {
	_, err := NewDepthwise(S(F32, 10, 4, 2), S(F32, 3, 3, 5))
	require.ErrorContains(t, err,
		"input tensor ((Float32)[10 4 2]) has 4 channels, but the depthwise kernel tensor ((Float32)[3 3 5]) last axis has dimension 5")

	// Even with a kernel that could never fit: the channel check comes first.
	_, err = NewDepthwise(S(F32, 10, 4, 2), S(F32, 99, 3, 5))
	require.ErrorContains(t, err, "last axis has dimension 5")
}

func TestNewDepthwiseErrors(t *testing.T) {
	_, err := NewDepthwise(S(F32, 10, 4, 2), S(F32, 3, 3, 3, 4))
	require.ErrorContains(t, err, "must have the same rank")

	_, err = NewDepthwise(S(F32, 10, 4, 2), S(F64, 3, 3, 4))
	require.ErrorContains(t, err, "must have the same dtype")
}

func TestDepthwiseCheckDims(t *testing.T) {
	d, err := NewDepthwise(S(F32, 10, 10, 4, 2), S(F32, 3, 3, 3, 4))
	require.NoError(t, err)
	x := S(F32, 10, 10, 4, 2)
	w := S(F32, 3, 3, 3, 4)
	y := S(F32, 8, 8, 12, 2)

	require.NoError(t, d.CheckDims(x, w, y))

	testCases := []struct {
		name          string
		x, w, y       shapes.Shape
		expectedError string
	}{
		{
			name: "input channels",
			x:    S(F32, 10, 10, 5, 2), w: w, y: y,
			expectedError: "input tensor ((Float32)[10 10 5 2]) has 5 channels, but descriptor expects 4",
		},
		{
			name: "kernel channel multiplier",
			x:    x, w: S(F32, 3, 3, 2, 4), y: y,
			expectedError: "kernel tensor ((Float32)[3 3 2 4]) channel-multiplier axis has dimension 2, but descriptor expects 3",
		},
		{
			name: "kernel input channels",
			x:    x, w: S(F32, 3, 3, 3, 5), y: y,
			expectedError: "kernel tensor ((Float32)[3 3 3 5]) input-channels axis has dimension 5, but descriptor expects 4",
		},
		{
			name: "output channels must be the derived count",
			x:    x, w: w, y: S(F32, 8, 8, 4, 2),
			expectedError: "output tensor ((Float32)[8 8 4 2]) has 4 channels, but descriptor expects 12 (inputChannels 4 x multiplier 3)",
		},
		{
			name: "output spatial",
			x:    x, w: w, y: S(F32, 8, 9, 12, 2),
			expectedError: "output tensor ((Float32)[8 9 12 2]) spatial axis 1 has dimension 9, but descriptor expects 8",
		},
		{
			name: "batch mismatch",
			x:    x, w: w, y: S(F32, 8, 8, 12, 3),
			expectedError: "input tensor batch size 2 does not match output tensor batch size 3",
		},
		{
			name: "kernel dtype",
			x:    x, w: S(F64, 3, 3, 3, 4), y: y,
			expectedError: "kernel tensor ((Float64)[3 3 3 4]) has dtype Float64, but descriptor was built for Float32",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := d.CheckDims(tc.x, tc.w, tc.y)
			require.ErrorContains(t, err, tc.expectedError)
		})
	}
}

func TestDepthwiseRoundTrip(t *testing.T) {
	testCases := []struct {
		name    string
		x, w    shapes.Shape
		options []Option
	}{
		{name: "1d", x: S(F32, 17, 4, 5), w: S(F32, 4, 3, 4)},
		{name: "2d strided", x: S(F32, 9, 11, 2, 1), w: S(F32, 3, 5, 6, 2), options: []Option{WithStrides(2)}},
		{name: "3d same padding", x: S(F64, 8, 8, 8, 3, 2), w: S(F64, 3, 3, 3, 1, 3), options: []Option{WithSamePadding()}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := NewDepthwise(tc.x, tc.w, tc.options...)
			require.NoError(t, err)
			ySize := append(d.OutputSize(), d.OutputChannels(), tc.x.Dim(-1))
			y := shapes.Make(tc.x.DType, ySize...)
			require.NoError(t, d.CheckDims(tc.x, tc.w, y))
		})
	}
}

func TestDepthwiseDerive(t *testing.T) {
	base, err := NewDepthwise(S(F32, 10, 4, 2), S(F32, 3, 3, 4))
	require.NoError(t, err)

	derived, err := base.Derive(WithChannelMultiplier(5))
	require.NoError(t, err)
	assert.Equal(t, 5, derived.ChannelMultiplier())
	assert.Equal(t, 20, derived.OutputChannels())
	assert.Equal(t, base.InputSize(), derived.InputSize())
	assert.Equal(t, base.Strides(), derived.Strides())

	// The base descriptor is untouched.
	assert.Equal(t, 3, base.ChannelMultiplier())
	assert.Equal(t, 12, base.OutputChannels())

	_, err = base.Derive(WithOutputChannels(7))
	require.ErrorContains(t, err, "WithOutputChannels(7) applies to Dense descriptors only")

	_, err = base.Derive(WithChannelMultiplier(-1))
	require.ErrorContains(t, err, "channel multiplier is -1, it must be >= 1")
}

// Channel derivation holds for all constructions, including derived ones.
func TestDepthwiseOutputChannelsDerived(t *testing.T) {
	for _, multiplier := range []int{1, 2, 3, 7} {
		wSize := []int{3, multiplier, 4}
		d, err := DepthwiseFromSizes(F32, []int{10, 4, 2}, wSize)
		require.NoError(t, err)
		assert.Equal(t, 4*multiplier, d.OutputChannels())
	}
}
