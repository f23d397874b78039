package convdims

import (
	"github.com/pkg/errors"

	"github.com/gomlx/convdims/types/xslices"
)

// Option configures a descriptor at construction (NewDense, NewDepthwise) or derivation
// (Dense.Derive, Depthwise.Derive) time.
type Option func(cfg *config)

// config accumulates the raw, user-supplied parameters. Normalization to per-axis form
// happens once, inside the constructors, so no descriptor is ever built from malformed
// strides, paddings or dilations.
type config struct {
	strides   []int // scalar (len 1) broadcasts to every spatial axis.
	dilations []int

	paddings        []int // flat form: len 1, N (low=high) or 2N ((low, high) pairs).
	paddingsPerAxis [][2]int
	samePadding     bool

	flipKernel bool

	// Field overrides, mostly used by Derive. Zero/nil means "keep what the shapes (or
	// the base descriptor) say".
	inputSize, kernelSize []int
	inputChannels         int
	outputChannels        int
	channelMultiplier     int
}

// WithStrides sets the convolution strides: either a single value, broadcast to every
// spatial axis, or one value per spatial axis. Strides must be >= 1. The default is 1 on
// every axis.
func WithStrides(strides ...int) Option {
	return func(cfg *config) {
		cfg.strides = strides
	}
}

// WithDilations sets the kernel dilations (spacing between kernel taps): either a single
// value, broadcast to every spatial axis, or one value per spatial axis. Dilations must
// be >= 1. The default is 1 on every axis.
func WithDilations(dilations ...int) Option {
	return func(cfg *config) {
		cfg.dilations = dilations
	}
}

// WithPaddings sets the input paddings. It accepts a single value (same low and high
// padding on every spatial axis), one value per spatial axis (low = high on each axis) or
// two values per spatial axis, as (low, high) pairs in axis order. Paddings must be >= 0.
// The default is no padding.
func WithPaddings(paddings ...int) Option {
	return func(cfg *config) {
		cfg.paddings = paddings
		cfg.paddingsPerAxis = nil
		cfg.samePadding = false
	}
}

// WithPaddingPerAxis sets an explicit (low, high) padding pair per spatial axis.
func WithPaddingPerAxis(paddings [][2]int) Option {
	return func(cfg *config) {
		cfg.paddingsPerAxis = paddings
		cfg.paddings = nil
		cfg.samePadding = false
	}
}

// WithSamePadding pads each spatial axis so that, at stride 1, the output has the same
// extents as the input. For even effective (dilated) kernel extents the padding is
// asymmetric: low = (effectiveKernel-1)/2, high = effectiveKernel/2.
func WithSamePadding() Option {
	return func(cfg *config) {
		cfg.samePadding = true
		cfg.paddings = nil
		cfg.paddingsPerAxis = nil
	}
}

// WithKernelFlipped selects true-convolution (flipped kernel) as opposed to the default
// cross-correlation (unflipped) semantics. Shape arithmetic is unaffected.
func WithKernelFlipped(flipped bool) Option {
	return func(cfg *config) {
		cfg.flipKernel = flipped
	}
}

// WithInputSize overrides the spatial extents of the input. Typically used with Derive,
// e.g. by a gradient kernel building the descriptor of a related convolution.
func WithInputSize(size ...int) Option {
	return func(cfg *config) {
		cfg.inputSize = size
	}
}

// WithKernelSize overrides the spatial extents of the kernel. Typically used with Derive.
func WithKernelSize(size ...int) Option {
	return func(cfg *config) {
		cfg.kernelSize = size
	}
}

// WithInputChannels overrides the input channel count. Typically used with Derive.
func WithInputChannels(channels int) Option {
	return func(cfg *config) {
		cfg.inputChannels = channels
	}
}

// WithOutputChannels overrides the output channel count of a Dense descriptor. It is
// rejected by Depthwise, whose output channels are derived from the channel multiplier.
func WithOutputChannels(channels int) Option {
	return func(cfg *config) {
		cfg.outputChannels = channels
	}
}

// WithChannelMultiplier overrides the channel multiplier of a Depthwise descriptor. It is
// rejected by Dense.
func WithChannelMultiplier(multiplier int) Option {
	return func(cfg *config) {
		cfg.channelMultiplier = multiplier
	}
}

// normalizeSpatialParams is the single choke point all constructors pass through: it
// broadcasts scalar strides/paddings/dilations to the spatial rank, expands the flat
// padding forms to (low, high) pairs, resolves same-padding and validates lengths and
// signs. kernelSize and dilations are needed to compute same-padding.
func (cfg *config) normalizeSpatialParams(spatialRank int, kernelSize []int) (strides, dilations []int, paddings [][2]int, err error) {
	strides, err = expandPerAxis("stride", cfg.strides, spatialRank)
	if err != nil {
		return
	}
	dilations, err = expandPerAxis("dilation", cfg.dilations, spatialRank)
	if err != nil {
		return
	}
	paddings, err = cfg.expandPaddings(spatialRank, kernelSize, dilations)
	return
}

// expandPerAxis normalizes a strictly positive per-axis parameter (stride or dilation):
// nil defaults to 1s, a single value broadcasts, otherwise one value per spatial axis.
func expandPerAxis(name string, values []int, spatialRank int) ([]int, error) {
	switch len(values) {
	case 0:
		return xslices.SliceWithValue(spatialRank, 1), nil
	case 1:
		values = xslices.SliceWithValue(spatialRank, values[0])
	case spatialRank:
		values = xslices.Copy(values)
	default:
		return nil, errors.Errorf("received %d %s values, but the convolution has %d spatial axes "+
			"(give one value to broadcast, or one value per axis)", len(values), name, spatialRank)
	}
	for axis, value := range values {
		if value < 1 {
			return nil, errors.Errorf("%s for spatial axis %d is %d, it must be >= 1", name, axis, value)
		}
	}
	return values, nil
}

func (cfg *config) expandPaddings(spatialRank int, kernelSize, dilations []int) ([][2]int, error) {
	if cfg.samePadding {
		// Pad such that at stride 1 the output is shaped the same as the input. For even
		// effective kernel extents the padding is asymmetric.
		paddings := make([][2]int, spatialRank)
		for axis := range paddings {
			effectiveKernel := (kernelSize[axis]-1)*dilations[axis] + 1
			paddings[axis][0] = (effectiveKernel - 1) / 2
			paddings[axis][1] = effectiveKernel / 2
		}
		return paddings, nil
	}

	var paddings [][2]int
	switch {
	case cfg.paddingsPerAxis != nil:
		if len(cfg.paddingsPerAxis) != spatialRank {
			return nil, errors.Errorf("received %d padding pairs, but the convolution has %d spatial axes",
				len(cfg.paddingsPerAxis), spatialRank)
		}
		paddings = xslices.Copy(cfg.paddingsPerAxis)
	case len(cfg.paddings) == 0:
		paddings = make([][2]int, spatialRank)
	case len(cfg.paddings) == 1:
		paddings = xslices.SliceWithValue(spatialRank, [2]int{cfg.paddings[0], cfg.paddings[0]})
	case len(cfg.paddings) == spatialRank:
		paddings = xslices.Map(cfg.paddings, func(p int) [2]int { return [2]int{p, p} })
	case len(cfg.paddings) == 2*spatialRank:
		paddings = make([][2]int, spatialRank)
		for axis := range paddings {
			paddings[axis] = [2]int{cfg.paddings[2*axis], cfg.paddings[2*axis+1]}
		}
	default:
		return nil, errors.Errorf("received %d padding values, but the convolution has %d spatial axes "+
			"(give one value, one value per axis, or (low, high) pairs per axis)",
			len(cfg.paddings), spatialRank)
	}
	for axis, padding := range paddings {
		if padding[0] < 0 || padding[1] < 0 {
			return nil, errors.Errorf("padding for spatial axis %d is [%d, %d], it must be non-negative",
				axis, padding[0], padding[1])
		}
	}
	return paddings, nil
}

// checkSpatialSizes validates the (possibly overridden) spatial extents of input and
// kernel: matching spatial rank and strictly positive extents.
func checkSpatialSizes(inputSize, kernelSize []int) error {
	if len(inputSize) != len(kernelSize) {
		return errors.Errorf("input has %d spatial axes, but kernel has %d -- they must match",
			len(inputSize), len(kernelSize))
	}
	for axis, dim := range inputSize {
		if dim < 1 {
			return errors.Errorf("input spatial axis %d has extent %d, it must be >= 1", axis, dim)
		}
	}
	for axis, dim := range kernelSize {
		if dim < 1 {
			return errors.Errorf("kernel spatial axis %d has extent %d, it must be >= 1", axis, dim)
		}
	}
	return nil
}
