package sim

import (
	"testing"
)

func newTestProgram(t *testing.T, cfg SimConfig, reqs []*InferRequest,
	platform StagePlatform, stage Stage) *StageProgram {
	t.Helper()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	d := NewDerived(cfg)
	model := NewModel("test", cfg)
	return NewStageProgram(cfg, d, model, NewBatchedRequest(reqs), platform, stage)
}

// initiatedRequests builds requests that look like they passed admission:
// initiated, channel 0, with KV cache tensors attached.
func initiatedRequests(cfg SimConfig, n, seqLen int) []*InferRequest {
	d := NewDerived(cfg)
	reqs := make([]*InferRequest, 0, n)
	for i := 0; i < n; i++ {
		req := NewInferRequest(i, seqLen, 1)
		req.IsInitiated = true
		req.Channel = 0
		req.KCache = append(req.KCache, NewKVTensor("k", TensorKey, []int{d.NH, d.DK, seqLen}, 0))
		req.VCache = append(req.VCache, NewKVTensor("v", TensorValue, []int{d.NH, seqLen, d.DK}, 0))
		reqs = append(reqs, req)
	}
	return reqs
}

func TestStageProgram_EmptySubBatchIsFinished(t *testing.T) {
	p := newTestProgram(t, testConfig(), nil, PlatformSA, StageA)
	if !p.Empty() {
		t.Error("program over an empty sub-batch should hold no operations")
	}
	if !p.CheckFinish() {
		t.Error("empty program must be finished by construction")
	}
}

func TestStageProgram_IdlePlatformIsFinished(t *testing.T) {
	reqs := initiatedRequests(testConfig(), 1, 16)
	// Two-way stage A: PIM sits out.
	p := newTestProgram(t, testConfig(), reqs, PlatformPIM, StageA)
	if !p.Empty() || !p.CheckFinish() {
		t.Error("an idle platform-stage cell must produce an empty, finished program")
	}
}

func TestStageProgram_QKVGenChain(t *testing.T) {
	reqs := initiatedRequests(testConfig(), 1, 16)
	p := newTestProgram(t, testConfig(), reqs, PlatformSA, StageA)

	if len(p.opOrder) != 2 {
		t.Fatalf("QKV generation should build 2 operations, got %d", len(p.opOrder))
	}
	ln, qkv := p.opOrder[0], p.opOrder[1]
	if ln.Type != OpLayerNorm || qkv.Type != OpQKVGen {
		t.Fatalf("unexpected chain: %s -> %s", ln.Type, qkv.Type)
	}

	if got := p.FrontExecutable(); got != ln {
		t.Errorf("front executable should be the LayerNorm, got %v", got)
	}
	if qkv.Executable() {
		t.Error("QKVGen must not be executable before LayerNorm finishes")
	}

	// Output of the chain is [N, 3E].
	out := qkv.Outputs()[0]
	if out.Dims[0] != 1 || out.Dims[1] != 3*4096 {
		t.Errorf("QKVGen output dims %v, want [1 12288]", out.Dims)
	}

	p.FinishOperation(ln.ID, 10)
	if !qkv.Executable() {
		t.Error("QKVGen must become executable once its producer finished")
	}
	if got := p.FrontExecutable(); got != qkv {
		t.Errorf("front executable should advance to QKVGen, got %v", got)
	}

	p.FinishOperation(qkv.ID, 20)
	if !p.CheckFinish() {
		t.Error("program must be finished after all operations complete")
	}
}

func TestStageProgram_FusedTwoWayCell(t *testing.T) {
	reqs := initiatedRequests(testConfig(), 2, 16)
	p := newTestProgram(t, testConfig(), reqs, PlatformSA, StageC)

	// Projection block (2) + FFN1 (3) + FFN2 (2) + QKVGen (2).
	if len(p.opOrder) != 9 {
		t.Fatalf("fused Pj+FFN+QKV cell should build 9 operations, got %d", len(p.opOrder))
	}
	if p.opOrder[0].Type != OpProjection {
		t.Errorf("first operation should be the projection, got %s", p.opOrder[0].Type)
	}
	if p.opOrder[len(p.opOrder)-1].Type != OpQKVGen {
		t.Errorf("last operation should be QKVGen, got %s", p.opOrder[len(p.opOrder)-1].Type)
	}
}

func TestStageProgram_MHAChain(t *testing.T) {
	cfg := testConfig()
	reqs := initiatedRequests(cfg, 2, 16)
	p := newTestProgram(t, cfg, reqs, PlatformPIM, StageB)

	if len(p.opOrder) != 2 {
		t.Fatalf("MHA should build 2 operations, got %d", len(p.opOrder))
	}
	logit, attend := p.opOrder[0], p.opOrder[1]
	if logit.Type != OpLogitSoftmax || attend.Type != OpAttend {
		t.Fatalf("unexpected chain: %s -> %s", logit.Type, attend.Type)
	}
	if !logit.Executable() {
		t.Error("logit softmax reads only leaves and must be executable at build")
	}
	if attend.Executable() {
		t.Error("attend must wait for the logits")
	}

	// KV tensors recorded the attention consumers.
	if len(reqs[0].KCache[0].Children()) != 1 {
		t.Errorf("key cache should have 1 consumer, got %d", len(reqs[0].KCache[0].Children()))
	}
	reqs[0].KCache[0].ClearChildren()
	if len(reqs[0].KCache[0].Children()) != 0 {
		t.Error("ClearChildren must sever consumer links")
	}

	p.FinishOperation(logit.ID, 5)
	if !attend.Executable() {
		t.Error("attend must become executable once the logits are produced")
	}
}

func TestStageProgram_AttendOnlyStage(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ThreeWay
	reqs := initiatedRequests(cfg, 1, 16)
	p := newTestProgram(t, cfg, reqs, PlatformPIM, StageC)

	if len(p.opOrder) != 1 || p.opOrder[0].Type != OpAttend {
		t.Fatalf("three-way stage C on PIM should hold a single attend")
	}
	if !p.opOrder[0].Executable() {
		t.Error("attend over externally produced logits must be executable at build")
	}
}

func TestOperationTiles_EndWithBarrier(t *testing.T) {
	reqs := initiatedRequests(testConfig(), 1, 16)
	p := newTestProgram(t, testConfig(), reqs, PlatformSA, StageA)

	op := p.FrontExecutable()
	tiles := op.Tiles(PlatformSA)
	if len(tiles) < 2 {
		t.Fatalf("expected at least one ready tile plus the barrier, got %d", len(tiles))
	}
	for i, tile := range tiles[:len(tiles)-1] {
		if tile.Status != TileReady {
			t.Errorf("tile %d: status %s, want READY", i, tile.Status)
		}
		if tile.OperationID != op.ID {
			t.Errorf("tile %d: operation id %d, want %d", i, tile.OperationID, op.ID)
		}
	}
	if last := tiles[len(tiles)-1]; last.Status != TileBar {
		t.Errorf("final tile status %s, want BAR", last.Status)
	}
}

func TestStageProgram_ShardedActivations(t *testing.T) {
	cfg := testConfig()
	cfg.NTP = 4
	reqs := initiatedRequests(cfg, 1, 16)
	p := newTestProgram(t, cfg, reqs, PlatformSA, StageE)

	// Projection input is E/n_tp wide; the residual add restores [N, E].
	proj := p.opOrder[0]
	if got := proj.Inputs()[0].Dims[1]; got != 4096/4 {
		t.Errorf("projection input width %d, want %d", got, 4096/4)
	}
	add := p.opOrder[1]
	if got := add.Outputs()[0].Dims[1]; got != 4096 {
		t.Errorf("residual output width %d, want 4096", got)
	}
}
