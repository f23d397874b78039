// Package convdims describes every static parameter that governs an N-dimensional
// convolution -- spatial kernel size, channel counts, strides, paddings, dilations and the
// kernel-flip flag -- and validates runtime tensor shapes against them before a
// convolution kernel executes.
//
// Two descriptor variants share the ConvDims contract: Dense (input channels map to
// output channels directly, possibly grouped) and Depthwise (output channels are a
// multiple of input channels). Both are immutable values: they are constructed once from
// the input and kernel shapes, optionally re-derived with Derive, and freely shared
// across concurrent kernel invocations with no locking.
//
// Tensors follow a spatial-first, channels-then-batch axes convention:
//
//	input, output: (spatial..., channels, batch)
//	dense kernel:  (spatial..., inputChannels, outputChannels)
//	depthwise kernel: (spatial..., channelMultiplier, inputChannels)
//
// Construction and validation return errors; shape errors indicate a caller programming
// bug and are never coerced or auto-corrected. AssertDims provides a panicking twin for
// builder-style call sites.
package convdims

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/convdims/types/shapes"
)

// ConvDims is the contract every convolution kernel (forward, gradient w.r.t. input,
// gradient w.r.t. kernel) relies on to size its loops and buffers.
//
// Implementations are immutable values; the slice-returning accessors return copies, so
// callers can never corrupt a descriptor.
type ConvDims interface {
	// SpatialRank is the number of spatial axes (rank of input minus the channels and
	// batch axes).
	SpatialRank() int

	// InputSize are the spatial extents of the input tensor, channels and batch excluded.
	InputSize() []int

	// KernelSize are the spatial extents of the convolution kernel.
	KernelSize() []int

	// InputChannels and OutputChannels are the channel counts the kernel maps between.
	InputChannels() int
	OutputChannels() int

	// Strides, Paddings (one [low, high] pair per spatial axis) and Dilations are
	// normalized to one entry per spatial axis.
	Strides() []int
	Paddings() [][2]int
	Dilations() []int

	// KernelFlipped reports whether the kernel is applied flipped (true convolution) as
	// opposed to unflipped (cross-correlation). Purely a semantic flag for the compute
	// kernels; it plays no role in shape arithmetic.
	KernelFlipped() bool

	// OutputSize are the spatial extents of the convolution output. It is derived on
	// every call, never cached.
	OutputSize() []int

	// CheckDims validates the runtime shapes of the input (x), kernel (w) and output (y)
	// tensors against the descriptor. It returns a dimension-mismatch error on the first
	// violated constraint.
	CheckDims(x, w, y shapes.Shape) error
}

// AssertDims validates x, w and y against the descriptor like ConvDims.CheckDims, but
// panics (throws an exception) on mismatch.
func AssertDims(dims ConvDims, x, w, y shapes.Shape) {
	if err := dims.CheckDims(x, w, y); err != nil {
		exceptions.Panicf("convdims.AssertDims: %+v", err)
	}
}

// outputExtent returns the output extent of one spatial axis:
// (input + low + high - effectiveKernel) / stride + 1, where the effective kernel extent
// accounts for dilation.
func outputExtent(input, kernel, stride, dilation int, padding [2]int) int {
	effectiveKernel := (kernel-1)*dilation + 1
	return (input+padding[0]+padding[1]-effectiveKernel)/stride + 1
}

// outputSpatialSize applies outputExtent per axis. All parameters must already be
// normalized to the spatial rank.
func outputSpatialSize(inputSize, kernelSize, strides, dilations []int, paddings [][2]int) []int {
	output := make([]int, len(inputSize))
	for axis := range output {
		output[axis] = outputExtent(inputSize[axis], kernelSize[axis], strides[axis], dilations[axis], paddings[axis])
	}
	return output
}

// checkSpatialExtents errors if, on any axis, the effective (dilated) kernel extent
// doesn't fit in the padded input extent. Checked at construction so OutputSize is always
// well-formed (every extent >= 1).
func checkSpatialExtents(inputSize, kernelSize, strides, dilations []int, paddings [][2]int) error {
	for axis := range inputSize {
		effectiveKernel := (kernelSize[axis]-1)*dilations[axis] + 1
		paddedInput := inputSize[axis] + paddings[axis][0] + paddings[axis][1]
		if effectiveKernel > paddedInput {
			return errors.Errorf(
				"effective kernel extent %d for spatial axis %d is larger than padded input extent %d "+
					"(input: %d, kernel: %d, dilation: %d, padding: [%d,%d])",
				effectiveKernel, axis, paddedInput, inputSize[axis], kernelSize[axis], dilations[axis],
				paddings[axis][0], paddings[axis][1])
		}
	}
	return nil
}

// checkSpatialDims compares the leading (spatial) dimensions of a tensor shape against
// the extents the descriptor expects. name identifies the tensor in the error message.
func checkSpatialDims(name string, s shapes.Shape, want []int) error {
	for axis, wantDim := range want {
		if gotDim := s.Dimensions[axis]; gotDim != wantDim {
			return errors.Errorf("%s tensor (%s) spatial axis %d has dimension %d, but descriptor expects %d",
				name, s, axis, gotDim, wantDim)
		}
	}
	return nil
}

// checkRankAndDType verifies the tensor has the descriptor's rank and element type.
func checkRankAndDType(name string, s shapes.Shape, rank int, dtype dtypes.DType) error {
	if !s.Ok() {
		return errors.Errorf("%s tensor has an invalid shape", name)
	}
	if s.Rank() != rank {
		return errors.Errorf("%s tensor (%s) has rank %d, but descriptor expects rank %d (spatial axes + channels + batch)",
			name, s, s.Rank(), rank)
	}
	if s.DType != dtype {
		return errors.Errorf("%s tensor (%s) has dtype %s, but descriptor was built for %s",
			name, s, s.DType, dtype)
	}
	return nil
}
