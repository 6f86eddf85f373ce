package network

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/dermasense-api/internal/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type shape struct {
	height, width, channels int
}

func (s shape) size() int { return s.height * s.width * s.channels }

// layer is one stage of a sequential network. backward maps the gradient
// with respect to the layer output onto the gradient with respect to its
// input; weight gradients are never needed.
type layer interface {
	name() string
	kind() model.LayerKind
	forward(in *model.FeatureMap) *model.FeatureMap
	backward(in, out, gradOut *model.FeatureMap) *model.FeatureMap
}

type activation string

const (
	activationLinear  activation = "linear"
	activationReLU    activation = "relu"
	activationSoftmax activation = "softmax"
)

func parseActivation(s string) (activation, error) {
	switch s {
	case "", "linear":
		return activationLinear, nil
	case "relu":
		return activationReLU, nil
	case "softmax":
		return activationSoftmax, nil
	}
	return "", fmt.Errorf("unsupported activation %q", s)
}

// apply transforms z in place. Softmax normalises each row over channels.
func (a activation) apply(z *mat.Dense) {
	rows, cols := z.Dims()
	switch a {
	case activationReLU:
		z.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, z)
	case activationSoftmax:
		for r := 0; r < rows; r++ {
			row := z.RawRowView(r)[:cols]
			m := floats.Max(row)
			for i := range row {
				row[i] = math.Exp(row[i] - m)
			}
			floats.Scale(1/floats.Sum(row), row)
		}
	}
}

// backward returns the gradient with respect to the pre-activation values,
// given the activated output and the gradient with respect to it.
func (a activation) backward(out, gradOut *mat.Dense) *mat.Dense {
	rows, cols := out.Dims()
	grad := mat.NewDense(rows, cols, nil)
	switch a {
	case activationReLU:
		grad.Apply(func(r, c int, _ float64) float64 {
			if out.At(r, c) > 0 {
				return gradOut.At(r, c)
			}
			return 0
		}, grad)
	case activationSoftmax:
		for r := 0; r < rows; r++ {
			y := out.RawRowView(r)[:cols]
			g := gradOut.RawRowView(r)[:cols]
			dot := floats.Dot(y, g)
			dst := grad.RawRowView(r)[:cols]
			for i := range dst {
				dst[i] = y[i] * (g[i] - dot)
			}
		}
	default:
		grad.Copy(gradOut)
	}
	return grad
}

// conv2D is a stride-1 2-D convolution. The kernel is stored as a
// (kh*kw*in) x filters matrix, the row-major reshape of a Keras HWIO kernel.
type conv2D struct {
	layerName       string
	kh, kw          int
	in, out         shape
	padTop, padLeft int
	kernel          *mat.Dense
	bias            []float64
	act             activation
}

func newConv2D(spec LayerSpec, in shape) (*conv2D, shape, error) {
	if len(spec.KernelSize) != 2 || spec.KernelSize[0] <= 0 || spec.KernelSize[1] <= 0 {
		return nil, shape{}, fmt.Errorf("kernel_size must be [height, width], got %v", spec.KernelSize)
	}
	if spec.Filters <= 0 {
		return nil, shape{}, fmt.Errorf("filters must be positive, got %d", spec.Filters)
	}
	act, err := parseActivation(spec.Activation)
	if err != nil {
		return nil, shape{}, err
	}

	c := &conv2D{
		layerName: spec.Name,
		kh:        spec.KernelSize[0],
		kw:        spec.KernelSize[1],
		in:        in,
		act:       act,
	}
	switch spec.Padding {
	case "", "valid":
		c.out = shape{in.height - c.kh + 1, in.width - c.kw + 1, spec.Filters}
	case "same":
		c.padTop, c.padLeft = (c.kh-1)/2, (c.kw-1)/2
		c.out = shape{in.height, in.width, spec.Filters}
	default:
		return nil, shape{}, fmt.Errorf("unsupported padding %q", spec.Padding)
	}
	if c.out.height <= 0 || c.out.width <= 0 {
		return nil, shape{}, fmt.Errorf("kernel %dx%d does not fit input %dx%d", c.kh, c.kw, in.height, in.width)
	}

	rows := c.kh * c.kw * in.channels
	if len(spec.Kernel) != rows*spec.Filters {
		return nil, shape{}, fmt.Errorf("expected %d kernel values, got %d", rows*spec.Filters, len(spec.Kernel))
	}
	c.kernel = mat.NewDense(rows, spec.Filters, append([]float64(nil), spec.Kernel...))

	c.bias, err = biasValues(spec.Bias, spec.Filters)
	if err != nil {
		return nil, shape{}, err
	}
	return c, c.out, nil
}

func (c *conv2D) name() string          { return c.layerName }
func (c *conv2D) kind() model.LayerKind { return model.LayerConv2D }

// inputPixel maps an output position and kernel offset onto the input,
// reporting false when the tap falls into zero padding.
func (c *conv2D) inputPixel(oy, ox, ky, kx int) (int, int, bool) {
	iy, ix := oy+ky-c.padTop, ox+kx-c.padLeft
	return iy, ix, iy >= 0 && iy < c.in.height && ix >= 0 && ix < c.in.width
}

func (c *conv2D) im2col(in *model.FeatureMap) *mat.Dense {
	patches := mat.NewDense(c.out.height*c.out.width, c.kh*c.kw*c.in.channels, nil)
	for oy := 0; oy < c.out.height; oy++ {
		for ox := 0; ox < c.out.width; ox++ {
			row := patches.RawRowView(oy*c.out.width + ox)
			for ky := 0; ky < c.kh; ky++ {
				for kx := 0; kx < c.kw; kx++ {
					iy, ix, ok := c.inputPixel(oy, ox, ky, kx)
					if !ok {
						continue
					}
					copy(row[(ky*c.kw+kx)*c.in.channels:], in.Data.RawRowView(iy*c.in.width + ix)[:c.in.channels])
				}
			}
		}
	}
	return patches
}

func (c *conv2D) forward(in *model.FeatureMap) *model.FeatureMap {
	var z mat.Dense
	z.Mul(c.im2col(in), c.kernel)
	addBias(&z, c.bias)
	c.act.apply(&z)
	return &model.FeatureMap{Height: c.out.height, Width: c.out.width, Channels: c.out.channels, Data: &z}
}

func (c *conv2D) backward(in, out, gradOut *model.FeatureMap) *model.FeatureMap {
	gradZ := c.act.backward(out.Data, gradOut.Data)

	var gradPatches mat.Dense
	gradPatches.Mul(gradZ, c.kernel.T())

	gradIn := model.NewFeatureMap(c.in.height, c.in.width, c.in.channels, nil)
	for oy := 0; oy < c.out.height; oy++ {
		for ox := 0; ox < c.out.width; ox++ {
			row := gradPatches.RawRowView(oy*c.out.width + ox)
			for ky := 0; ky < c.kh; ky++ {
				for kx := 0; kx < c.kw; kx++ {
					iy, ix, ok := c.inputPixel(oy, ox, ky, kx)
					if !ok {
						continue
					}
					offset := (ky*c.kw + kx) * c.in.channels
					floats.Add(gradIn.Data.RawRowView(iy*c.in.width + ix)[:c.in.channels], row[offset:offset+c.in.channels])
				}
			}
		}
	}
	return gradIn
}

// dense flattens its input in HWC order and applies a fully connected layer.
type dense struct {
	layerName string
	in        shape
	units     int
	kernel    *mat.Dense
	bias      []float64
	act       activation
}

func newDense(spec LayerSpec, in shape) (*dense, shape, error) {
	if spec.Units <= 0 {
		return nil, shape{}, fmt.Errorf("units must be positive, got %d", spec.Units)
	}
	act, err := parseActivation(spec.Activation)
	if err != nil {
		return nil, shape{}, err
	}
	if len(spec.Kernel) != in.size()*spec.Units {
		return nil, shape{}, fmt.Errorf("expected %d kernel values, got %d", in.size()*spec.Units, len(spec.Kernel))
	}
	bias, err := biasValues(spec.Bias, spec.Units)
	if err != nil {
		return nil, shape{}, err
	}
	d := &dense{
		layerName: spec.Name,
		in:        in,
		units:     spec.Units,
		kernel:    mat.NewDense(in.size(), spec.Units, append([]float64(nil), spec.Kernel...)),
		bias:      bias,
		act:       act,
	}
	return d, shape{1, 1, spec.Units}, nil
}

func (d *dense) name() string          { return d.layerName }
func (d *dense) kind() model.LayerKind { return model.LayerDense }

func (d *dense) forward(in *model.FeatureMap) *model.FeatureMap {
	x := mat.NewDense(1, d.in.size(), in.Values())
	var z mat.Dense
	z.Mul(x, d.kernel)
	addBias(&z, d.bias)
	d.act.apply(&z)
	return &model.FeatureMap{Height: 1, Width: 1, Channels: d.units, Data: &z}
}

func (d *dense) backward(in, out, gradOut *model.FeatureMap) *model.FeatureMap {
	gradZ := d.act.backward(out.Data, gradOut.Data)
	var gradX mat.Dense
	gradX.Mul(gradZ, d.kernel.T())
	values := append([]float64(nil), gradX.RawRowView(0)[:d.in.size()]...)
	return model.NewFeatureMap(d.in.height, d.in.width, d.in.channels, values)
}

type globalAvgPool struct {
	layerName string
	in        shape
}

func (g *globalAvgPool) name() string          { return g.layerName }
func (g *globalAvgPool) kind() model.LayerKind { return model.LayerGlobalAvgPool }

func (g *globalAvgPool) forward(in *model.FeatureMap) *model.FeatureMap {
	rows := float64(in.Height * in.Width)
	out := model.NewFeatureMap(1, 1, in.Channels, nil)
	col := make([]float64, in.Height*in.Width)
	for c := 0; c < in.Channels; c++ {
		out.Data.Set(0, c, floats.Sum(mat.Col(col, c, in.Data))/rows)
	}
	return out
}

func (g *globalAvgPool) backward(in, out, gradOut *model.FeatureMap) *model.FeatureMap {
	rows := in.Height * in.Width
	gradIn := model.NewFeatureMap(in.Height, in.Width, in.Channels, nil)
	for r := 0; r < rows; r++ {
		for c := 0; c < in.Channels; c++ {
			gradIn.Data.Set(r, c, gradOut.Data.At(0, c)/float64(rows))
		}
	}
	return gradIn
}

// activationLayer is a standalone element-wise (or per-pixel softmax) layer.
type activationLayer struct {
	layerName string
	layerKind model.LayerKind
	act       activation
}

func (a *activationLayer) name() string          { return a.layerName }
func (a *activationLayer) kind() model.LayerKind { return a.layerKind }

func (a *activationLayer) forward(in *model.FeatureMap) *model.FeatureMap {
	out := model.NewFeatureMap(in.Height, in.Width, in.Channels, nil)
	out.Data.Copy(in.Data)
	a.act.apply(out.Data)
	return out
}

func (a *activationLayer) backward(in, out, gradOut *model.FeatureMap) *model.FeatureMap {
	return &model.FeatureMap{
		Height:   in.Height,
		Width:    in.Width,
		Channels: in.Channels,
		Data:     a.act.backward(out.Data, gradOut.Data),
	}
}

func biasValues(bias []float64, n int) ([]float64, error) {
	if len(bias) == 0 {
		return make([]float64, n), nil
	}
	if len(bias) != n {
		return nil, fmt.Errorf("expected %d bias values, got %d", n, len(bias))
	}
	return append([]float64(nil), bias...), nil
}

func addBias(z *mat.Dense, bias []float64) {
	rows, _ := z.Dims()
	for r := 0; r < rows; r++ {
		floats.Add(z.RawRowView(r)[:len(bias)], bias)
	}
}
