// The parameter provider: shape-only weight tensors for one transformer
// layer, handed to stage programs via the scheduler's Launch binding.

package sim

import (
	"fmt"
)

// BlockType names the two halves of a transformer layer.
type BlockType string

const (
	BlockAttention   BlockType = "attn"
	BlockFeedForward BlockType = "ffn"
)

// Model provides the weight tensors the stage program builder consumes.
// Weights are created once and marked produced; they carry shapes only.
type Model struct {
	Name string

	nEmbd  int
	params map[string]*Tensor
}

// NewModel builds the layer-0 parameter set for the configured embedding
// width. Weight shapes follow the GPT layout: QKVGen [E,3E], Projection
// [E,E], FC1 [E,4E], FC2 [4E,E], LayerNorm [E].
func NewModel(name string, cfg SimConfig) *Model {
	m := &Model{
		Name:   name,
		nEmbd:  cfg.ModelNEmbd,
		params: make(map[string]*Tensor),
	}
	e := cfg.ModelNEmbd
	m.addParam(0, BlockAttention, OpLayerNorm, []int{e})
	m.addParam(0, BlockAttention, OpQKVGen, []int{e, 3 * e})
	m.addParam(0, BlockAttention, OpProjection, []int{e, e})
	m.addParam(0, BlockFeedForward, OpLayerNorm, []int{e})
	m.addParam(0, BlockFeedForward, OpFullyConnected1, []int{e, 4 * e})
	m.addParam(0, BlockFeedForward, OpFullyConnected2, []int{4 * e, e})
	return m
}

func paramKey(layer int, block BlockType, op OpType) string {
	return fmt.Sprintf("layer%d.%s.%s", layer, block, op)
}

func (m *Model) addParam(layer int, block BlockType, op OpType, dims []int) {
	key := paramKey(layer, block, op)
	m.params[key] = NewTensor(key, TensorWeight, dims, true)
}

// Params returns the weight tensor for (layer, block, op). Requesting an
// unknown parameter is a programmer error.
func (m *Model) Params(layer int, block BlockType, op OpType) *Tensor {
	t, ok := m.params[paramKey(layer, block, op)]
	if !ok {
		panic(fmt.Sprintf("Model.Params: no parameter for layer=%d block=%s op=%s", layer, block, op))
	}
	return t
}
