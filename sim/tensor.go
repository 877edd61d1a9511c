// Shape-only tensor arena. Tensors carry no data: they exist so the operation
// DAG can track producer/consumer readiness and so KV caches can be pinned to
// a DRAM channel across decode steps.

package sim

import (
	"fmt"
	"sync/atomic"
)

// TensorKind distinguishes activations from the two cached KV roles.
type TensorKind int

const (
	TensorAct TensorKind = iota
	TensorKey
	TensorValue
	TensorWeight
)

func (k TensorKind) String() string {
	switch k {
	case TensorAct:
		return "ACT"
	case TensorKey:
		return "KEY"
	case TensorValue:
		return "VALUE"
	case TensorWeight:
		return "WEIGHT"
	}
	return fmt.Sprintf("TensorKind(%d)", int(k))
}

var nextTensorID atomic.Uint32

// Tensor is a shape-only node in the operation graph. A tensor is "produced"
// when its data would exist: external leaves (queries, residual buffers,
// weights, KV caches) are produced at creation, operation outputs when their
// producing operation finishes.
type Tensor struct {
	ID       int
	Name     string
	Kind     TensorKind
	Dims     []int
	Channel  int // DRAM channel for KV tensors, -1 otherwise
	produced bool

	// children are the ids of consumer operations. KV tensors outlive one
	// decode step; their links are severed between steps via ClearChildren.
	children []int
}

// NewTensor creates an activation/weight tensor. leaf marks externally
// produced tensors that never wait on an operation.
func NewTensor(name string, kind TensorKind, dims []int, leaf bool) *Tensor {
	return &Tensor{
		ID:       int(nextTensorID.Add(1)),
		Name:     name,
		Kind:     kind,
		Dims:     append([]int(nil), dims...),
		Channel:  -1,
		produced: leaf,
	}
}

// NewKVTensor creates a KEY or VALUE cache tensor pinned to a DRAM channel.
// KV tensors are always produced: the cache contents persist across steps.
func NewKVTensor(name string, kind TensorKind, dims []int, channel int) *Tensor {
	if kind != TensorKey && kind != TensorValue {
		panic(fmt.Sprintf("NewKVTensor: kind must be KEY or VALUE, got %s", kind))
	}
	t := NewTensor(name, kind, dims, true)
	t.Channel = channel
	return t
}

// Produced reports whether the tensor's data would be available.
func (t *Tensor) Produced() bool { return t.produced }

// SetProduced marks the tensor as produced by a finished operation.
func (t *Tensor) SetProduced() { t.produced = true }

// AddChild records op as a consumer of this tensor.
func (t *Tensor) AddChild(opID int) { t.children = append(t.children, opID) }

// Children returns the consumer operation ids.
func (t *Tensor) Children() []int { return t.children }

// ClearChildren severs consumer links. Called on KV tensors at the end of
// each decode step, since the consuming attention operations die with their
// stage program.
func (t *Tensor) ClearChildren() { t.children = t.children[:0] }

// NumElems returns the product of the dimensions.
func (t *Tensor) NumElems() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s kind=%s dims=%v ch=%d)", t.Name, t.Kind, t.Dims, t.Channel)
}
