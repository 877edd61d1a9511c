// Operation DAG nodes and the tiles they decompose into. An operation is a
// shape-level stand-in for one fused kernel; its tile stream is what the
// scheduler dispatches to compute cores.

package sim

import (
	"fmt"
	"sync/atomic"

	"github.com/jgiriboy/NeuPIMs/sim/internal/util"
)

// OpType names the operator kinds appearing in one transformer layer.
type OpType string

const (
	OpLayerNorm       OpType = "LayerNorm"
	OpQKVGen          OpType = "QKVGen"
	OpProjection      OpType = "Projection"
	OpFullyConnected1 OpType = "FullyConnected1"
	OpFullyConnected2 OpType = "FullyConnected2"
	OpGelu            OpType = "Gelu"
	OpResidual        OpType = "Residual"
	OpLogitSoftmax    OpType = "LogitSoftmax"
	OpAttend          OpType = "Attend"
)

// TileStatus tags an entry in an executable tile queue.
type TileStatus int

const (
	// TileEmpty is returned by top_tile when nothing is dispatchable.
	TileEmpty TileStatus = iota
	// TileReady is a schedulable unit of work.
	TileReady
	// TileBar is a synchronization sentinel: it retires only after all
	// earlier tiles of its operation have finished.
	TileBar
)

func (s TileStatus) String() string {
	switch s {
	case TileEmpty:
		return "EMPTY"
	case TileReady:
		return "READY"
	case TileBar:
		return "BAR"
	}
	return fmt.Sprintf("TileStatus(%d)", int(s))
}

// Tile is the smallest schedulable unit of an operation. Tiles are handed to
// compute cores by value; cores return them through finish_tile.
type Tile struct {
	OperationID int
	Status      TileStatus
	OpType      OpType
	Platform    StagePlatform
}

// EmptyTile is what pollers see when a queue has nothing dispatchable.
func EmptyTile() Tile { return Tile{Status: TileEmpty} }

var nextOperationID atomic.Uint32

// Operation is one node of a per-stage dataflow DAG. It records its input
// and output tensors, the consumer operations downstream, and an unmet-input
// counter that reaches zero when every producer has finished.
type Operation struct {
	ID   int
	Name string
	Type OpType

	weight  *Tensor // bound parameter tensor, nil for parameter-free ops
	inputs  []*Tensor
	outputs []*Tensor

	children    []*Operation
	unmetInputs int
	finished    bool

	tiles []Tile

	// geometry for PIM tiling; zero value for SA operations
	banksPerCh int
	numHeads   int

	// stat fields, stamped by the scheduler
	StartCycle  int64
	FinishCycle int64
}

// NewOperation creates an SA-side operation, optionally bound to a weight
// tensor.
func NewOperation(name string, typ OpType, weight *Tensor) *Operation {
	return &Operation{
		ID:     int(nextOperationID.Add(1)),
		Name:   name,
		Type:   typ,
		weight: weight,
	}
}

// NewPIMOperation creates a PIM-side attention operation. banksPerCh and
// numHeads drive its tiling.
func NewPIMOperation(name string, typ OpType, banksPerCh, numHeads int) *Operation {
	op := NewOperation(name, typ, nil)
	op.banksPerCh = banksPerCh
	op.numHeads = numHeads
	return op
}

// GetOutputs wires inputs as parents of op and returns its freshly created
// output tensors, which become the inputs of the next operation in the block.
// Consumer links are recorded on each input tensor.
func (op *Operation) GetOutputs(inputs []*Tensor) []*Tensor {
	op.inputs = append([]*Tensor(nil), inputs...)
	for _, in := range inputs {
		in.AddChild(op.ID)
		if !in.Produced() {
			op.unmetInputs++
		}
	}
	op.outputs = op.makeOutputs(inputs)
	return op.outputs
}

func (op *Operation) makeOutputs(inputs []*Tensor) []*Tensor {
	switch op.Type {
	case OpLayerNorm, OpGelu:
		return []*Tensor{NewTensor(op.Name+".out", TensorAct, inputs[0].Dims, false)}
	case OpResidual:
		// (x, residual) -> x-shaped sum
		return []*Tensor{NewTensor(op.Name+".out", TensorAct, inputs[0].Dims, false)}
	case OpQKVGen, OpProjection, OpFullyConnected1, OpFullyConnected2:
		if op.weight == nil {
			panic(fmt.Sprintf("operation %s: matmul without bound weight", op.Name))
		}
		n := inputs[0].Dims[0]
		m := op.weight.Dims[len(op.weight.Dims)-1]
		return []*Tensor{NewTensor(op.Name+".out", TensorAct, []int{n, m}, false)}
	case OpLogitSoftmax:
		// inputs: queries [nh,1,dk] per request, then keys [nh,dk,seq] per
		// request; outputs one logit tensor [nh,1,seq] per request.
		half := len(inputs) / 2
		outs := make([]*Tensor, 0, half)
		for i := 0; i < half; i++ {
			key := inputs[half+i]
			seq := key.Dims[len(key.Dims)-1]
			nh := key.Dims[0]
			outs = append(outs, NewTensor(fmt.Sprintf("%s.logit%d", op.Name, i),
				TensorAct, []int{nh, 1, seq}, false))
		}
		return outs
	case OpAttend:
		// inputs: logits [nh,1,seq] per request, then values [nh,seq,dk] per
		// request; outputs one context tensor [nh,1,dk] per request.
		half := len(inputs) / 2
		outs := make([]*Tensor, 0, half)
		for i := 0; i < half; i++ {
			value := inputs[half+i]
			dk := value.Dims[len(value.Dims)-1]
			nh := value.Dims[0]
			outs = append(outs, NewTensor(fmt.Sprintf("%s.ctx%d", op.Name, i),
				TensorAct, []int{nh, 1, dk}, false))
		}
		return outs
	}
	panic(fmt.Sprintf("operation %s: unknown op type %q", op.Name, op.Type))
}

// AddChild records a downstream consumer operation.
func (op *Operation) AddChild(child *Operation) { op.children = append(op.children, child) }

// Children returns the downstream consumer operations.
func (op *Operation) Children() []*Operation { return op.children }

// Inputs returns the operation's input tensors.
func (op *Operation) Inputs() []*Tensor { return op.inputs }

// Outputs returns the operation's output tensors.
func (op *Operation) Outputs() []*Tensor { return op.outputs }

// Executable reports whether every input tensor has been produced.
func (op *Operation) Executable() bool { return op.unmetInputs == 0 }

// Finished reports whether all tiles of the operation have been retired.
func (op *Operation) Finished() bool { return op.finished }

// setFinish marks the operation done and publishes its outputs, decrementing
// the unmet-input counters of its consumers.
func (op *Operation) setFinish() {
	op.finished = true
	for _, out := range op.outputs {
		out.SetProduced()
	}
	for _, child := range op.children {
		child.unmetInputs--
		if child.unmetInputs < 0 {
			panic(fmt.Sprintf("operation %s: unmet-input underflow via %s", child.Name, op.Name))
		}
	}
}

// Tiles returns the operation's tile stream: its ready tiles followed by one
// barrier sentinel. Generated once, the first time the operation is picked up
// after becoming executable.
func (op *Operation) Tiles(platform StagePlatform) []Tile {
	if !op.Executable() {
		panic(fmt.Sprintf("operation %s: tiles requested before inputs are produced", op.Name))
	}
	if op.tiles == nil {
		n := op.numReadyTiles()
		op.tiles = make([]Tile, 0, n+1)
		for i := 0; i < n; i++ {
			op.tiles = append(op.tiles, Tile{
				OperationID: op.ID,
				Status:      TileReady,
				OpType:      op.Type,
				Platform:    platform,
			})
		}
		op.tiles = append(op.tiles, Tile{
			OperationID: op.ID,
			Status:      TileBar,
			OpType:      op.Type,
			Platform:    platform,
		})
	}
	return op.tiles
}

// Systolic-array tile geometry and the vector-unit chunk width. These shape
// only the number of dispatched tiles, not any timing model.
const (
	saTileRows     = 128
	saTileCols     = 128
	vectorChunkLen = 2048
)

func (op *Operation) numReadyTiles() int {
	switch op.Type {
	case OpQKVGen, OpProjection, OpFullyConnected1, OpFullyConnected2:
		out := op.outputs[0]
		return max(1, util.CeilDiv(out.Dims[0], saTileRows)*util.CeilDiv(out.Dims[1], saTileCols))
	case OpLayerNorm, OpGelu, OpResidual:
		return max(1, util.CeilDiv(op.inputs[0].NumElems(), vectorChunkLen))
	case OpLogitSoftmax:
		// one GEMV sweep per key page group per request
		half := len(op.inputs) / 2
		n := 0
		for i := 0; i < half; i++ {
			key := op.inputs[half+i]
			seq := key.Dims[len(key.Dims)-1]
			n += util.CeilDiv(seq, op.banksPerCh)
		}
		return max(1, n)
	case OpAttend:
		half := len(op.inputs) / 2
		n := 0
		for i := 0; i < half; i++ {
			value := op.inputs[half+i]
			dk := value.Dims[len(value.Dims)-1]
			n += op.numHeads * util.CeilDiv(dk, op.banksPerCh)
		}
		return max(1, n)
	}
	panic(fmt.Sprintf("operation %s: unknown op type %q", op.Name, op.Type))
}

// Stat returns the operation's recorded execution window.
func (op *Operation) Stat() OperationStat {
	return OperationStat{
		ID:          op.ID,
		Name:        op.Name,
		OpType:      string(op.Type),
		TotalTiles:  len(op.tiles),
		StartCycle:  op.StartCycle,
		FinishCycle: op.FinishCycle,
	}
}
