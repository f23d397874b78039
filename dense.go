package convdims

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/convdims/types/shapes"
	"github.com/gomlx/convdims/types/xslices"
)

// Dense describes a canonical convolution: input channels map to output channels
// directly (the kernel's trailing axis), with no constraint tying the two counts
// together. It implements ConvDims.
//
// A Dense value is immutable after construction; derive related descriptors with Derive.
type Dense struct {
	inputSize  []int
	kernelSize []int

	inputChannels  int
	outputChannels int

	strides    []int
	paddings   [][2]int
	dilations  []int
	flipKernel bool

	dtype dtypes.DType
}

// Compile-time check that Dense satisfies the contract.
var _ ConvDims = (*Dense)(nil)

// NewDense builds a Dense descriptor from the input tensor shape x
// (spatial..., channels, batch) and the kernel shape w
// (spatial..., inputChannels, outputChannels), plus options for strides, paddings,
// dilations and the kernel-flip flag.
//
// x and w must have the same rank (>= 2) and the same dtype. The kernel's input-channels
// axis (w.Dim(-2)) is NOT checked against x's channel count here: grouped convolutions
// legitimately build descriptors where w.Dim(-2)*groups == inputChannels, and the
// grouping factor is only known to the compute kernel. CheckDims enforces the ungrouped
// relation before a kernel runs.
func NewDense(x, w shapes.Shape, options ...Option) (*Dense, error) {
	if err := checkConvShapes(x, w); err != nil {
		return nil, err
	}
	spatialRank := x.Rank() - 2
	cfg := &config{
		inputSize:      xslices.Copy(x.Dimensions[:spatialRank]),
		kernelSize:     xslices.Copy(w.Dimensions[:spatialRank]),
		inputChannels:  x.Dim(-2),
		outputChannels: w.Dim(-1),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return newDenseFromConfig(x.DType, cfg)
}

// NewDenseFromShaped is like NewDense but takes anything carrying a shape -- tensor
// values of the various frameworks, or shapes.Shape itself.
func NewDenseFromShaped(x, w shapes.HasShape, options ...Option) (*Dense, error) {
	return NewDense(x.Shape(), w.Shape(), options...)
}

// DenseFromSizes is a convenience form of NewDense taking raw dimension tuples instead of
// shapes.
func DenseFromSizes(dtype dtypes.DType, xSize, wSize []int, options ...Option) (*Dense, error) {
	return NewDense(shapes.Make(dtype, xSize...), shapes.Make(dtype, wSize...), options...)
}

// Derive returns a new Dense descriptor copying this one, with the given options
// overriding any subset of fields. The receiver is left untouched. Gradient kernels use
// this to build the descriptor of a related convolution from the forward one.
func (d *Dense) Derive(options ...Option) (*Dense, error) {
	cfg := &config{
		inputSize:       xslices.Copy(d.inputSize),
		kernelSize:      xslices.Copy(d.kernelSize),
		inputChannels:   d.inputChannels,
		outputChannels:  d.outputChannels,
		strides:         xslices.Copy(d.strides),
		dilations:       xslices.Copy(d.dilations),
		paddingsPerAxis: xslices.Copy(d.paddings),
		flipKernel:      d.flipKernel,
	}
	for _, opt := range options {
		opt(cfg)
	}
	derived, err := newDenseFromConfig(d.dtype, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "deriving from %s", d)
	}
	return derived, nil
}

// newDenseFromConfig finishes construction: validates sizes and channels, normalizes the
// spatial parameters and checks the kernel fits the padded input. Every Dense descriptor
// -- newly constructed or derived -- passes through here.
func newDenseFromConfig(dtype dtypes.DType, cfg *config) (*Dense, error) {
	if cfg.channelMultiplier != 0 {
		return nil, errors.Errorf("WithChannelMultiplier(%d) applies to Depthwise descriptors only -- "+
			"Dense output channels are set with WithOutputChannels", cfg.channelMultiplier)
	}
	if err := checkSpatialSizes(cfg.inputSize, cfg.kernelSize); err != nil {
		return nil, err
	}
	if cfg.inputChannels < 1 {
		return nil, errors.Errorf("input channels is %d, it must be >= 1", cfg.inputChannels)
	}
	if cfg.outputChannels < 1 {
		return nil, errors.Errorf("output channels is %d, it must be >= 1", cfg.outputChannels)
	}
	spatialRank := len(cfg.inputSize)
	strides, dilations, paddings, err := cfg.normalizeSpatialParams(spatialRank, cfg.kernelSize)
	if err != nil {
		return nil, err
	}
	if err = checkSpatialExtents(cfg.inputSize, cfg.kernelSize, strides, dilations, paddings); err != nil {
		return nil, err
	}
	d := &Dense{
		inputSize:      cfg.inputSize,
		kernelSize:     cfg.kernelSize,
		inputChannels:  cfg.inputChannels,
		outputChannels: cfg.outputChannels,
		strides:        strides,
		paddings:       paddings,
		dilations:      dilations,
		flipKernel:     cfg.flipKernel,
		dtype:          dtype,
	}
	klog.V(2).Infof("convdims: %s", d)
	return d, nil
}

// SpatialRank returns the number of spatial axes.
func (d *Dense) SpatialRank() int { return len(d.inputSize) }

// InputSize returns a copy of the spatial extents of the input tensor.
func (d *Dense) InputSize() []int { return xslices.Copy(d.inputSize) }

// KernelSize returns a copy of the spatial extents of the kernel.
func (d *Dense) KernelSize() []int { return xslices.Copy(d.kernelSize) }

// InputChannels returns the input channel count.
func (d *Dense) InputChannels() int { return d.inputChannels }

// OutputChannels returns the output channel count.
func (d *Dense) OutputChannels() int { return d.outputChannels }

// Strides returns a copy of the per-axis strides.
func (d *Dense) Strides() []int { return xslices.Copy(d.strides) }

// Paddings returns a copy of the per-axis (low, high) paddings.
func (d *Dense) Paddings() [][2]int { return xslices.Copy(d.paddings) }

// Dilations returns a copy of the per-axis kernel dilations.
func (d *Dense) Dilations() []int { return xslices.Copy(d.dilations) }

// KernelFlipped reports whether the kernel is applied flipped (true convolution).
func (d *Dense) KernelFlipped() bool { return d.flipKernel }

// DType returns the tensor element type the descriptor was built for.
func (d *Dense) DType() dtypes.DType { return d.dtype }

// OutputSize computes the spatial extents of the convolution output. It is derived on
// every call from the input size, kernel size, strides, paddings and dilations.
func (d *Dense) OutputSize() []int {
	return outputSpatialSize(d.inputSize, d.kernelSize, d.strides, d.dilations, d.paddings)
}

// String implements fmt.Stringer.
func (d *Dense) String() string {
	return fmt.Sprintf("Dense[(%s) input=%v, kernel=%v, channels=%d->%d, strides=%v, paddings=%v, dilations=%v, flipped=%v]",
		d.dtype, d.inputSize, d.kernelSize, d.inputChannels, d.outputChannels,
		d.strides, d.paddings, d.dilations, d.flipKernel)
}

// CheckDims validates the runtime shapes of the input (x), kernel (w) and output (y)
// tensors against the descriptor, returning a dimension-mismatch error on the first
// violated constraint. Compute kernels call it immediately before executing, so shape
// errors surface before any numeric work starts.
func (d *Dense) CheckDims(x, w, y shapes.Shape) error {
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
	if got := w.Dim(-2); got != d.inputChannels {
		return errors.Errorf("kernel tensor (%s) input-channels axis has dimension %d, but descriptor expects %d",
			w, got, d.inputChannels)
	}
	if got := w.Dim(-1); got != d.outputChannels {
		return errors.Errorf("kernel tensor (%s) output-channels axis has dimension %d, but descriptor expects %d",
			w, got, d.outputChannels)
	}
	if err := checkSpatialDims("output", y, d.OutputSize()); err != nil {
		return err
	}
	if got := y.Dim(-2); got != d.outputChannels {
		return errors.Errorf("output tensor (%s) has %d channels, but descriptor expects %d", y, got, d.outputChannels)
	}
	if xBatch, yBatch := x.Dim(-1), y.Dim(-1); xBatch != yBatch {
		return errors.Errorf("input tensor batch size %d does not match output tensor batch size %d", xBatch, yBatch)
	}
	return nil
}

// checkConvShapes validates the input/kernel shape pair every constructor starts from.
func checkConvShapes(x, w shapes.Shape) error {
	if !x.Ok() {
		return errors.Errorf("input tensor has an invalid shape")
	}
	if !w.Ok() {
		return errors.Errorf("kernel tensor has an invalid shape")
	}
	if x.Rank() != w.Rank() {
		return errors.Errorf("input tensor (%s) and kernel tensor (%s) must have the same rank, got %d and %d -- "+
			"the input carries a batch axis and the kernel an output-channels axis",
			x, w, x.Rank(), w.Rank())
	}
	if x.Rank() < 2 {
		return errors.Errorf("input tensor (%s) must have rank >= 2, shaped (spatial..., channels, batch), got rank %d",
			x, x.Rank())
	}
	if x.DType != w.DType {
		return errors.Errorf("input tensor (%s) and kernel tensor (%s) must have the same dtype, got %s and %s",
			x, w, x.DType, w.DType)
	}
	return nil
}
