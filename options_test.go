package convdims

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpatialParamNormalization(t *testing.T) {
	testCases := []struct {
		name    string
		options []Option

		expectedError string
		strides       []int
		paddings      [][2]int
		dilations     []int
	}{
		{
			name:      "defaults",
			strides:   []int{1, 1, 1},
			paddings:  [][2]int{{0, 0}, {0, 0}, {0, 0}},
			dilations: []int{1, 1, 1},
		},
		{
			name:      "scalar stride broadcasts",
			options:   []Option{WithStrides(2)},
			strides:   []int{2, 2, 2},
			paddings:  [][2]int{{0, 0}, {0, 0}, {0, 0}},
			dilations: []int{1, 1, 1},
		},
		{
			name:      "scalar padding broadcasts to low and high",
			options:   []Option{WithPaddings(1)},
			strides:   []int{1, 1, 1},
			paddings:  [][2]int{{1, 1}, {1, 1}, {1, 1}},
			dilations: []int{1, 1, 1},
		},
		{
			name:      "per-axis padding duplicates to low=high",
			options:   []Option{WithPaddings(1, 0, 2)},
			strides:   []int{1, 1, 1},
			paddings:  [][2]int{{1, 1}, {0, 0}, {2, 2}},
			dilations: []int{1, 1, 1},
		},
		{
			name:      "low/high padding pairs",
			options:   []Option{WithPaddings(1, 0, 0, 2, 1, 1)},
			strides:   []int{1, 1, 1},
			paddings:  [][2]int{{1, 0}, {0, 2}, {1, 1}},
			dilations: []int{1, 1, 1},
		},
		{
			name:      "explicit padding pairs",
			options:   []Option{WithPaddingPerAxis([][2]int{{1, 0}, {0, 2}, {1, 1}})},
			strides:   []int{1, 1, 1},
			paddings:  [][2]int{{1, 0}, {0, 2}, {1, 1}},
			dilations: []int{1, 1, 1},
		},
		{
			name:      "scalar dilation broadcasts",
			options:   []Option{WithDilations(2)},
			strides:   []int{1, 1, 1},
			paddings:  [][2]int{{0, 0}, {0, 0}, {0, 0}},
			dilations: []int{2, 2, 2},
		},
		{
			name:      "last padding option wins",
			options:   []Option{WithSamePadding(), WithPaddings(0)},
			strides:   []int{1, 1, 1},
			paddings:  [][2]int{{0, 0}, {0, 0}, {0, 0}},
			dilations: []int{1, 1, 1},
		},
		{
			name:          "wrong stride count",
			options:       []Option{WithStrides(2, 2)},
			expectedError: "2 stride values, but the convolution has 3 spatial axes",
		},
		{
			name:          "zero stride",
			options:       []Option{WithStrides(0)},
			expectedError: "stride for spatial axis 0 is 0, it must be >= 1",
		},
		{
			name:          "wrong dilation count",
			options:       []Option{WithDilations(1, 2, 3, 4)},
			expectedError: "4 dilation values, but the convolution has 3 spatial axes",
		},
		{
			name:          "zero dilation",
			options:       []Option{WithDilations(1, 0, 1)},
			expectedError: "dilation for spatial axis 1 is 0, it must be >= 1",
		},
		{
			name:          "wrong padding count",
			options:       []Option{WithPaddings(1, 1, 1, 1)},
			expectedError: "4 padding values, but the convolution has 3 spatial axes",
		},
		{
			name:          "negative padding",
			options:       []Option{WithPaddings(0, -1, 0)},
			expectedError: "padding for spatial axis 1 is [-1, -1], it must be non-negative",
		},
		{
			name:          "wrong padding pair count",
			options:       []Option{WithPaddingPerAxis([][2]int{{0, 0}})},
			expectedError: "1 padding pairs, but the convolution has 3 spatial axes",
		},
		{
			name:          "negative padding pair",
			options:       []Option{WithPaddingPerAxis([][2]int{{0, 0}, {1, -1}, {0, 0}})},
			expectedError: "padding for spatial axis 1 is [1, -1], it must be non-negative",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := DenseFromSizes(F32, []int{10, 10, 10, 3, 2}, []int{3, 3, 3, 3, 4}, tc.options...)
			if tc.expectedError != "" {
				require.ErrorContains(t, err, tc.expectedError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.strides, d.Strides())
			assert.Equal(t, tc.paddings, d.Paddings())
			assert.Equal(t, tc.dilations, d.Dilations())
		})
	}
}

func TestKernelLargerThanPaddedInput(t *testing.T) {
	_, err := DenseFromSizes(F32, []int{4, 3, 2}, []int{5, 3, 4})
	require.ErrorContains(t, err, "effective kernel extent 5 for spatial axis 0 is larger than padded input extent 4")

	// Dilation can push an otherwise fitting kernel out of bounds.
	_, err = DenseFromSizes(F32, []int{4, 3, 2}, []int{3, 3, 4}, WithDilations(2))
	require.ErrorContains(t, err, "effective kernel extent 5")

	// Padding can make it fit again.
	d, err := DenseFromSizes(F32, []int{4, 3, 2}, []int{3, 3, 4}, WithDilations(2), WithPaddings(1))
	require.NoError(t, err)
	assert.Equal(t, []int{2}, d.OutputSize())
}

func TestKernelFlipped(t *testing.T) {
	d := denseFor(t, []int{10}, []int{3})
	assert.False(t, d.KernelFlipped())

	flipped := denseFor(t, []int{10}, []int{3}, WithKernelFlipped(true))
	assert.True(t, flipped.KernelFlipped())
	// Shape arithmetic is unaffected by the flag.
	assert.Equal(t, d.OutputSize(), flipped.OutputSize())
}
