package convdims

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/convdims/types/shapes"
	"github.com/gomlx/convdims/types/xslices"
)

// Depthwise describes a depthwise convolution: each input channel is expanded into
// channelMultiplier output channels, so the output channel count is always
// inputChannels * channelMultiplier -- derived, never stored. It implements ConvDims.
//
// The depthwise kernel is organized per input channel,
// (spatial..., channelMultiplier, inputChannels), which is why its channel bookkeeping
// differs from Dense even though the spatial-size math is identical.
type Depthwise struct {
	inputSize  []int
	kernelSize []int

	inputChannels     int
	channelMultiplier int

	strides    []int
	paddings   [][2]int
	dilations  []int
	flipKernel bool

	dtype dtypes.DType
}

var _ ConvDims = (*Depthwise)(nil)

// NewDepthwise builds a Depthwise descriptor from the input tensor shape x
// (spatial..., channels, batch) and the kernel shape w
// (spatial..., channelMultiplier, inputChannels), plus options.
//
// Unlike NewDense, the channel relation is checked eagerly: the kernel's trailing axis
// must equal x's channel count, before any output-size computation -- the depthwise
// kernel layout is tightly coupled to the input channels.
func NewDepthwise(x, w shapes.Shape, options ...Option) (*Depthwise, error) {
	if err := checkConvShapes(x, w); err != nil {
		return nil, err
	}
	if xChannels, wChannels := x.Dim(-2), w.Dim(-1); xChannels != wChannels {
		return nil, errors.Errorf("input tensor (%s) has %d channels, but the depthwise kernel tensor (%s) "+
			"last axis has dimension %d -- they must match", x, xChannels, w, wChannels)
	}
	spatialRank := x.Rank() - 2
	cfg := &config{
		inputSize:         xslices.Copy(x.Dimensions[:spatialRank]),
		kernelSize:        xslices.Copy(w.Dimensions[:spatialRank]),
		inputChannels:     x.Dim(-2),
		channelMultiplier: w.Dim(-2),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return newDepthwiseFromConfig(x.DType, cfg)
}

// NewDepthwiseFromShaped is like NewDepthwise but takes anything carrying a shape.
func NewDepthwiseFromShaped(x, w shapes.HasShape, options ...Option) (*Depthwise, error) {
	return NewDepthwise(x.Shape(), w.Shape(), options...)
}

// DepthwiseFromSizes is a convenience form of NewDepthwise taking raw dimension tuples
// instead of shapes.
func DepthwiseFromSizes(dtype dtypes.DType, xSize, wSize []int, options ...Option) (*Depthwise, error) {
	return NewDepthwise(shapes.Make(dtype, xSize...), shapes.Make(dtype, wSize...), options...)
}

// Derive returns a new Depthwise descriptor copying this one, with the given options
// overriding any subset of fields. The receiver is left untouched.
func (d *Depthwise) Derive(options ...Option) (*Depthwise, error) {
	cfg := &config{
		inputSize:         xslices.Copy(d.inputSize),
		kernelSize:        xslices.Copy(d.kernelSize),
		inputChannels:     d.inputChannels,
		channelMultiplier: d.channelMultiplier,
		strides:           xslices.Copy(d.strides),
		dilations:         xslices.Copy(d.dilations),
		paddingsPerAxis:   xslices.Copy(d.paddings),
		flipKernel:        d.flipKernel,
	}
	for _, opt := range options {
		opt(cfg)
	}
	derived, err := newDepthwiseFromConfig(d.dtype, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "deriving from %s", d)
	}
	return derived, nil
}

// newDepthwiseFromConfig finishes construction, the Depthwise counterpart of
// newDenseFromConfig. Every Depthwise descriptor passes through here.
func newDepthwiseFromConfig(dtype dtypes.DType, cfg *config) (*Depthwise, error) {
	if cfg.outputChannels != 0 {
		return nil, errors.Errorf("WithOutputChannels(%d) applies to Dense descriptors only -- "+
			"Depthwise output channels are derived as inputChannels * channelMultiplier", cfg.outputChannels)
	}
	if err := checkSpatialSizes(cfg.inputSize, cfg.kernelSize); err != nil {
		return nil, err
	}
	if cfg.inputChannels < 1 {
		return nil, errors.Errorf("input channels is %d, it must be >= 1", cfg.inputChannels)
	}
	if cfg.channelMultiplier < 1 {
		return nil, errors.Errorf("channel multiplier is %d, it must be >= 1", cfg.channelMultiplier)
	}
	spatialRank := len(cfg.inputSize)
	strides, dilations, paddings, err := cfg.normalizeSpatialParams(spatialRank, cfg.kernelSize)
	if err != nil {
		return nil, err
	}
	if err = checkSpatialExtents(cfg.inputSize, cfg.kernelSize, strides, dilations, paddings); err != nil {
		return nil, err
	}
	d := &Depthwise{
		inputSize:         cfg.inputSize,
		kernelSize:        cfg.kernelSize,
		inputChannels:     cfg.inputChannels,
		channelMultiplier: cfg.channelMultiplier,
		strides:           strides,
		paddings:          paddings,
		dilations:         dilations,
		flipKernel:        cfg.flipKernel,
		dtype:             dtype,
	}
	klog.V(2).Infof("convdims: %s", d)
	return d, nil
}

// SpatialRank returns the number of spatial axes.
func (d *Depthwise) SpatialRank() int { return len(d.inputSize) }

// InputSize returns a copy of the spatial extents of the input tensor.
func (d *Depthwise) InputSize() []int { return xslices.Copy(d.inputSize) }

// KernelSize returns a copy of the spatial extents of the kernel.
func (d *Depthwise) KernelSize() []int { return xslices.Copy(d.kernelSize) }

// InputChannels returns the input channel count.
func (d *Depthwise) InputChannels() int { return d.inputChannels }

// ChannelMultiplier returns the factor by which each input channel is expanded.
func (d *Depthwise) ChannelMultiplier() int { return d.channelMultiplier }

// OutputChannels returns inputChannels * channelMultiplier.
func (d *Depthwise) OutputChannels() int { return d.inputChannels * d.channelMultiplier }

// Strides returns a copy of the per-axis strides.
func (d *Depthwise) Strides() []int { return xslices.Copy(d.strides) }

// Paddings returns a copy of the per-axis (low, high) paddings.
func (d *Depthwise) Paddings() [][2]int { return xslices.Copy(d.paddings) }

// Dilations returns a copy of the per-axis kernel dilations.
func (d *Depthwise) Dilations() []int { return xslices.Copy(d.dilations) }

// KernelFlipped reports whether the kernel is applied flipped (true convolution).
func (d *Depthwise) KernelFlipped() bool { return d.flipKernel }

// DType returns the tensor element type the descriptor was built for.
func (d *Depthwise) DType() dtypes.DType { return d.dtype }

// OutputSize computes the spatial extents of the convolution output. It is derived on
// every call, identically to Dense: only the channel bookkeeping differs between the two.
func (d *Depthwise) OutputSize() []int {
	return outputSpatialSize(d.inputSize, d.kernelSize, d.strides, d.dilations, d.paddings)
}

// String implements fmt.Stringer.
func (d *Depthwise) String() string {
	return fmt.Sprintf("Depthwise[(%s) input=%v, kernel=%v, channels=%dx%d->%d, strides=%v, paddings=%v, dilations=%v, flipped=%v]",
		d.dtype, d.inputSize, d.kernelSize, d.inputChannels, d.channelMultiplier, d.OutputChannels(),
		d.strides, d.paddings, d.dilations, d.flipKernel)
}

// CheckDims validates the runtime shapes of the input (x), kernel (w) and output (y)
// tensors against the descriptor, returning a dimension-mismatch error on the first
// violated constraint. Same four-part structure as Dense.CheckDims, with the depthwise
// channel assertions: x carries inputChannels, y carries the derived output channels, w
// carries (channelMultiplier, inputChannels) on its two trailing axes.
func (d *Depthwise) CheckDims(x, w, y shapes.Shape) error {
	rank := d.SpatialRank() + 2
	if err := checkRankAndDType("input", x, rank, d.dtype); err != nil {
		return err
	}
	if err := checkRankAndDType("kernel", w, rank, d.dtype); err != nil {
		return err
	}
	if err := checkRankAndDType("output", y, rank, d.dtype); err != nil {
		return err
	}
	if err := checkSpatialDims("input", x, d.inputSize); err != nil {
		return err
	}
	if got := x.Dim(-2); got != d.inputChannels {
		return errors.Errorf("input tensor (%s) has %d channels, but descriptor expects %d", x, got, d.inputChannels)
	}
	if err := checkSpatialDims("kernel", w, d.kernelSize); err != nil {
		return err
	}
	if got := w.Dim(-2); got != d.channelMultiplier {
		return errors.Errorf("kernel tensor (%s) channel-multiplier axis has dimension %d, but descriptor expects %d",
			w, got, d.channelMultiplier)
	}
	if got := w.Dim(-1); got != d.inputChannels {
		return errors.Errorf("kernel tensor (%s) input-channels axis has dimension %d, but descriptor expects %d",
			w, got, d.inputChannels)
	}
	if err := checkSpatialDims("output", y, d.OutputSize()); err != nil {
		return err
	}
	if got := y.Dim(-2); got != d.OutputChannels() {
		return errors.Errorf("output tensor (%s) has %d channels, but descriptor expects %d (inputChannels %d x multiplier %d)",
			y, got, d.OutputChannels(), d.inputChannels, d.channelMultiplier)
	}
	if xBatch, yBatch := x.Dim(-1), y.Dim(-1); xBatch != yBatch {
		return errors.Errorf("input tensor batch size %d does not match output tensor batch size %d", xBatch, yBatch)
	}
	return nil
}
