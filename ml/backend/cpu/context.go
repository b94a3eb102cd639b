// context.go - Context implementation for the pure-Go cpu backend.
package cpu

import "github.com/7blacky7/attnengine/ml"

// Context scopes tensor allocation to one forward pass, one cache mutation,
// or one attention layer's persistent state, matching the teacher's
// input/layer context split.
type Context struct {
	backend *Backend
	layer   int
	forward []ml.Tensor
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c, dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c, dtype, shape)
}

func (c *Context) FromBytes(dtype ml.DType, s []byte, shape ...int) ml.Tensor {
	t := newTensor(c, dtype, shape)
	t.FromBytes(s)
	return t
}

func (c *Context) FromFloats(s []float32, shape ...int) ml.Tensor {
	if len(shape) == 0 {
		shape = []int{len(s)}
	}
	t := newTensor(c, ml.DTypeF32, shape)
	t.FromFloats(s)
	return t
}

func (c *Context) FromInts(s []int32, shape ...int) ml.Tensor {
	if len(shape) == 0 {
		shape = []int{len(s)}
	}
	t := newTensor(c, ml.DTypeI32, shape)
	t.FromInts(s)
	return t
}

func (c *Context) Forward(tensors ...ml.Tensor) ml.Context {
	c.forward = append(c.forward, tensors...)
	return c
}

// Close releases this context. The cpu backend has no external resources to
// free per-context; this exists to satisfy ml.Context and to mirror the
// teacher's context lifecycle.
func (c *Context) Close() {}

func (c *Context) Input() ml.Context {
	return &Context{backend: c.backend, layer: -1}
}

func (c *Context) Layer(n int) ml.Context {
	return &Context{backend: c.backend, layer: n}
}
