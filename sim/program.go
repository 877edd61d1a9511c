// StageProgram: the per-(platform, stage, sub-batch) operation DAG. The
// builder assembles one transformer layer's worth of blocks for whatever
// portion of the layer this platform runs at this stage; the runtime tracks
// operation readiness and completion for the scheduler.

package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// StageProgram holds the operation DAG for one platform during one stage.
type StageProgram struct {
	Name string

	model    *Model
	breq     *BatchedRequest
	platform StagePlatform
	stage    Stage
	mode     SubBatchMode
	cfg      SimConfig
	d        Derived

	ops        map[int]*Operation
	opOrder    []*Operation
	producers  map[int]*Operation // tensor id -> producing operation
	executable []*Operation
}

// NewStageProgram builds the DAG for (platform, stage) over the given
// sub-batch. An empty sub-batch, or a stage cell the platform sits out,
// yields an empty program that is immediately finished.
func NewStageProgram(cfg SimConfig, d Derived, model *Model, breq *BatchedRequest,
	platform StagePlatform, stage Stage) *StageProgram {
	if stage == StageFinish {
		panic("NewStageProgram: cannot build a program for the Finish stage")
	}
	p := &StageProgram{
		Name:      fmt.Sprintf("%s_stage_%s", platform, stage),
		model:     model,
		breq:      breq,
		platform:  platform,
		stage:     stage,
		mode:      cfg.Mode,
		cfg:       cfg,
		d:         d,
		ops:       make(map[int]*Operation),
		producers: make(map[int]*Operation),
	}
	p.initProgram()
	return p
}

func (p *StageProgram) initProgram() {
	if p.breq.Empty() {
		logrus.Debugf("%s: no request in this sub-batch, skip", p.Name)
		return
	}
	role := roleFor(p.mode, p.platform, p.stage)
	switch role {
	case RoleNone:
		logrus.Debugf("%s: platform idle this stage, skip", p.Name)
	case RoleQKVGen:
		inputs := []*Tensor{p.newActivation("input", p.breq.NumRows(), p.cfg.ModelNEmbd)}
		p.qkvGenBlock(inputs)
	case RoleProj:
		inputs := []*Tensor{p.newActivation("input", p.breq.NumRows(), p.shardedE())}
		p.projectionBlock(inputs)
	case RoleFFN1:
		inputs := []*Tensor{p.newActivation("input", p.breq.NumRows(), p.shardedE())}
		p.ffn1Block(inputs)
	case RoleFFN2:
		inputs := []*Tensor{p.newActivation("ffn1_out", p.breq.NumRows(), 4*p.shardedE())}
		p.ffn2Block(inputs)
	case RoleProjFFNQKV:
		inputs := []*Tensor{p.newActivation("input", p.breq.NumRows(), p.shardedE())}
		inputs = p.projectionBlock(inputs)
		inputs = p.ffn1Block(inputs)
		inputs = p.ffn2Block(inputs)
		p.qkvGenBlock(inputs)
	case RoleProjFFN:
		inputs := []*Tensor{p.newActivation("input", p.breq.NumRows(), p.shardedE())}
		inputs = p.projectionBlock(inputs)
		inputs = p.ffn1Block(inputs)
		p.ffn2Block(inputs)
	case RoleMHA:
		logits := p.logitSoftmaxOp(p.queryTensors())
		p.attendOp(logits)
	case RoleLogitSoftmax:
		p.logitSoftmaxOp(p.queryTensors())
	case RoleAttend:
		p.attendOp(p.logitLeafTensors())
	default:
		panic(fmt.Sprintf("%s: unhandled stage role %d", p.Name, int(role)))
	}
	p.seedExecutable()
}

// shardedE is the activation width after partitioning the FC matrices across
// the tensor-parallel workers.
func (p *StageProgram) shardedE() int {
	return p.cfg.ModelNEmbd / p.cfg.NTP
}

func (p *StageProgram) newActivation(name string, rows, cols int) *Tensor {
	return NewTensor(fmt.Sprintf("%s_%s", p.Name, name), TensorAct, []int{rows, cols}, true)
}

// addOp registers an operation with the program DAG.
func (p *StageProgram) addOp(op *Operation) *Operation {
	p.ops[op.ID] = op
	p.opOrder = append(p.opOrder, op)
	return op
}

// getOutputs wires inputs into op, records producer->consumer edges, and
// returns the op's outputs as the inputs of the next step.
func (p *StageProgram) getOutputs(op *Operation, inputs []*Tensor) []*Tensor {
	outputs := op.GetOutputs(inputs)
	for _, in := range inputs {
		if prod, ok := p.producers[in.ID]; ok {
			prod.AddChild(op)
		}
	}
	for _, out := range outputs {
		p.producers[out.ID] = op
	}
	return outputs
}

// seedExecutable collects the operations whose inputs are all produced, in
// insertion order, as the initial dispatch frontier.
func (p *StageProgram) seedExecutable() {
	for _, op := range p.opOrder {
		if op.Executable() {
			p.executable = append(p.executable, op)
		}
	}
	if len(p.ops) > 0 && len(p.executable) == 0 {
		panic(fmt.Sprintf("%s: DAG deadlock, no operation is executable at build time", p.Name))
	}
}

//////////////////////////////////////
// Computation blocks

// projectionBlock: MatMul(Projection) -> Add(Residual) against a residual
// buffer of shape [N, E].
func (p *StageProgram) projectionBlock(inputs []*Tensor) []*Tensor {
	n := p.breq.NumRows()
	resBuf := p.newActivation("residual_buffer", n, p.cfg.ModelNEmbd)

	proj := p.addOp(NewOperation(p.opName(BlockAttention, OpProjection), OpProjection,
		p.model.Params(0, BlockAttention, OpProjection)))
	inputs = p.getOutputs(proj, inputs)

	residual := p.addOp(NewOperation(p.opName(BlockAttention, OpResidual), OpResidual, nil))
	inputs = append(inputs, resBuf)
	return p.getOutputs(residual, inputs)
}

// ffn1Block: LayerNorm -> MatMul(FC1) -> Gelu.
func (p *StageProgram) ffn1Block(inputs []*Tensor) []*Tensor {
	ln := p.addOp(NewOperation(p.opName(BlockFeedForward, OpLayerNorm), OpLayerNorm,
		p.model.Params(0, BlockFeedForward, OpLayerNorm)))
	inputs = p.getOutputs(ln, inputs)

	fc1 := p.addOp(NewOperation(p.opName(BlockFeedForward, OpFullyConnected1), OpFullyConnected1,
		p.model.Params(0, BlockFeedForward, OpFullyConnected1)))
	inputs = p.getOutputs(fc1, inputs)

	gelu := p.addOp(NewOperation(p.opName(BlockFeedForward, OpGelu), OpGelu, nil))
	return p.getOutputs(gelu, inputs)
}

// ffn2Block: MatMul(FC2) -> Add(Residual).
func (p *StageProgram) ffn2Block(inputs []*Tensor) []*Tensor {
	n := p.breq.NumRows()
	resBuf := p.newActivation("ffn_residual_buffer", n, p.cfg.ModelNEmbd)

	fc2 := p.addOp(NewOperation(p.opName(BlockFeedForward, OpFullyConnected2), OpFullyConnected2,
		p.model.Params(0, BlockFeedForward, OpFullyConnected2)))
	inputs = p.getOutputs(fc2, inputs)

	residual := p.addOp(NewOperation(p.opName(BlockFeedForward, OpResidual), OpResidual, nil))
	inputs = append(inputs, resBuf)
	return p.getOutputs(residual, inputs)
}

// qkvGenBlock: LayerNorm -> MatMul(QKVGen), producing [N, 3E].
func (p *StageProgram) qkvGenBlock(inputs []*Tensor) []*Tensor {
	ln := p.addOp(NewOperation(p.opName(BlockAttention, OpLayerNorm), OpLayerNorm,
		p.model.Params(0, BlockAttention, OpLayerNorm)))
	inputs = p.getOutputs(ln, inputs)

	qkv := p.addOp(NewOperation(p.opName(BlockAttention, OpQKVGen), OpQKVGen,
		p.model.Params(0, BlockAttention, OpQKVGen)))
	return p.getOutputs(qkv, inputs)
}

// queryTensors creates the per-request query leaves [nh, 1, dk] and returns
// them concatenated with the requests' cached key tensors, the input layout
// LogitSoftmax expects.
func (p *StageProgram) queryTensors() []*Tensor {
	querys := make([]*Tensor, 0, len(p.breq.Reqs))
	keys := make([]*Tensor, 0, len(p.breq.Reqs))
	for _, req := range p.breq.Reqs {
		if q := req.QLen(); q != 1 {
			panic(fmt.Sprintf("%s: request %d has q_len %d in attention, want 1", p.Name, req.ID, q))
		}
		querys = append(querys, NewTensor(fmt.Sprintf("query_%d", req.ID), TensorAct,
			[]int{p.d.NH, 1, p.d.DK}, true))
		keys = append(keys, req.KCache[0])
	}
	return append(querys, keys...)
}

// logitLeafTensors creates produced logit leaves [nh, 1, seq] per request for
// an Attend-only stage, where the logits were computed by an earlier stage's
// program.
func (p *StageProgram) logitLeafTensors() []*Tensor {
	logits := make([]*Tensor, 0, len(p.breq.Reqs))
	for _, req := range p.breq.Reqs {
		logits = append(logits, NewTensor(fmt.Sprintf("logit_%d", req.ID), TensorAct,
			[]int{p.d.NH, 1, req.InputSize}, true))
	}
	return logits
}

// logitSoftmaxOp: LogitSoftmax(Q, K) over every request of the sub-batch.
func (p *StageProgram) logitSoftmaxOp(mhaInputs []*Tensor) []*Tensor {
	op := p.addOp(NewPIMOperation(p.opName(BlockAttention, OpLogitSoftmax), OpLogitSoftmax,
		p.cfg.DRAMBanksPerCh, p.d.NH))
	return p.getOutputs(op, mhaInputs)
}

// attendOp: Attend(logits, V) over every request of the sub-batch.
func (p *StageProgram) attendOp(logits []*Tensor) []*Tensor {
	inputs := append([]*Tensor(nil), logits...)
	for _, req := range p.breq.Reqs {
		inputs = append(inputs, req.VCache[0])
	}
	op := p.addOp(NewPIMOperation(p.opName(BlockAttention, OpAttend), OpAttend,
		p.cfg.DRAMBanksPerCh, p.d.NH))
	return p.getOutputs(op, inputs)
}

func (p *StageProgram) opName(block BlockType, op OpType) string {
	return fmt.Sprintf("layer0.%s.%s", block, op)
}

//////////////////////////////////////
// DAG runtime

// FrontExecutable returns the next dispatchable operation, or nil.
func (p *StageProgram) FrontExecutable() *Operation {
	if len(p.executable) == 0 {
		return nil
	}
	return p.executable[0]
}

// ExecutableOperations returns the current dispatch frontier.
func (p *StageProgram) ExecutableOperations() []*Operation { return p.executable }

func (p *StageProgram) existsInExecutable(opID int) bool {
	for _, op := range p.executable {
		if op.ID == opID {
			return true
		}
	}
	return false
}

// FinishOperation marks the operation finished at the given cycle and
// promotes any newly executable children onto the frontier.
func (p *StageProgram) FinishOperation(id int, cycle int64) {
	op, ok := p.ops[id]
	if !ok {
		panic(fmt.Sprintf("%s: finish for unknown operation id %d", p.Name, id))
	}
	op.setFinish()
	op.FinishCycle = cycle
	for i, e := range p.executable {
		if e.ID == id {
			p.executable = append(p.executable[:i], p.executable[i+1:]...)
			break
		}
	}
	for _, child := range op.Children() {
		if child.Executable() && !child.Finished() && !p.existsInExecutable(child.ID) {
			p.executable = append(p.executable, child)
		}
	}
	if !p.CheckFinish() && len(p.executable) == 0 {
		panic(fmt.Sprintf("%s: DAG deadlock after finishing %s, no executable operation remains",
			p.Name, op.Name))
	}
}

// CheckFinish reports whether every operation of the program has finished.
// An empty program is finished by construction.
func (p *StageProgram) CheckFinish() bool {
	for _, op := range p.opOrder {
		if !op.Finished() {
			return false
		}
	}
	return true
}

// Empty reports whether the program holds no operations.
func (p *StageProgram) Empty() bool { return len(p.ops) == 0 }

// ListOperationStats returns per-operation stats in insertion order.
func (p *StageProgram) ListOperationStats() []OperationStat {
	stats := make([]OperationStat, 0, len(p.opOrder))
	for _, op := range p.opOrder {
		stats = append(stats, op.Stat())
	}
	return stats
}

// Log persists the program's operation stats under logDir.
func (p *StageProgram) Log(logDir string) {
	if logDir == "" {
		return
	}
	if err := WriteOperationStats(logDir, p.Name, p.ListOperationStats()); err != nil {
		logrus.Warnf("failed to write stats for %s: %v", p.Name, err)
	}
}
