package sim

import (
	"testing"
)

// runScheduler drives a scheduler with one polling core per platform until
// every request completes, failing the test if maxCycles elapse first.
// Returns the scheduler and the completed requests in completion order.
func runScheduler(t *testing.T, cfg SimConfig, reqs []*InferRequest, maxCycles int64) (*Scheduler, []*InferRequest) {
	t.Helper()
	sched, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Launch(NewModel("test", cfg))
	for _, req := range reqs {
		sched.AddRequest(req)
	}
	cores := make([]*Core, 0, len(sched.Platforms()))
	for i, platform := range sched.Platforms() {
		cores = append(cores, NewCore(i, platform, sched))
	}

	var completed []*InferRequest
	for cycles := int64(0); sched.Running(); cycles++ {
		if cycles >= maxCycles {
			t.Fatalf("simulation did not complete within %d cycles (stage %s)", maxCycles, sched.CurrentStage())
		}
		sched.Cycle()
		for _, core := range cores {
			core.Tick()
		}
		for sched.HasCompletedRequest() {
			completed = append(completed, sched.PopCompletedRequest())
		}
		if cycles%1024 == 0 {
			assertTileConservation(t, sched)
		}
	}
	assertTileConservation(t, sched)
	return sched, completed
}

// Tile conservation: free tiles plus the tiles held by active requests must
// equal the distributed budget after every cycle.
func assertTileConservation(t *testing.T, s *Scheduler) {
	t.Helper()
	free := 0
	for ch := 0; ch < s.cfg.DRAMChannels; ch++ {
		free += s.alloc.AvailableTiles(ch)
	}
	held := 0
	for _, queue := range s.activeReqQueues {
		for _, req := range queue {
			held += req.kvTiles
		}
	}
	total := s.d.TilesPerChannel * s.cfg.DRAMChannels
	if free+held != total {
		t.Fatalf("tile conservation violated: free %d + held %d != total %d", free, held, total)
	}
}

func stageNames(stats []StageStat) []string {
	names := make([]string, 0, len(stats))
	for _, st := range stats {
		names = append(names, st.Stage)
	}
	return names
}

func assertStageSequence(t *testing.T, got []string, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("executed %d stages %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage %d: got %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

// Single-request two-way decode: two output tokens, so the A..F schedule runs
// twice and exactly one request comes back with generated=2.
func TestScheduler_SingleRequestTwoWayDecode(t *testing.T) {
	cfg := testConfig()
	reqs := []*InferRequest{NewInferRequest(0, 16, 2)}

	sched, completed := runScheduler(t, cfg, reqs, 5_000_000)

	if len(completed) != 1 {
		t.Fatalf("completed %d requests, want 1", len(completed))
	}
	if completed[0].ID != 0 || completed[0].Generated != 2 {
		t.Errorf("completed request %v, want id 0 with generated=2", completed[0])
	}
	assertStageSequence(t, stageNames(sched.StageStats()),
		[]string{"A", "B", "C", "D", "E", "F", "A", "B", "C", "D", "E", "F"})
}

// Two requests on one channel split one per sub-batch and finish in a single
// six-stage pass.
func TestScheduler_TwoRequestTwoWay(t *testing.T) {
	cfg := testConfig()
	reqs := []*InferRequest{
		NewInferRequest(0, 16, 1),
		NewInferRequest(1, 16, 1),
	}

	sched, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Launch(NewModel("test", cfg))
	for _, req := range reqs {
		sched.AddRequest(req)
	}
	sched.Cycle()
	breqs := sched.SubBatches()
	if len(breqs[0]) != 1 || len(breqs[1]) != 1 {
		t.Fatalf("partitioner placed %d/%d requests, want 1/1", len(breqs[0]), len(breqs[1]))
	}

	// Finish the run with a fresh scheduler to keep the driver uniform.
	sched2, completed := runScheduler(t, cfg, []*InferRequest{
		NewInferRequest(0, 16, 1),
		NewInferRequest(1, 16, 1),
	}, 5_000_000)

	if len(completed) != 2 {
		t.Fatalf("completed %d requests, want 2", len(completed))
	}
	assertStageSequence(t, stageNames(sched2.StageStats()),
		[]string{"A", "B", "C", "D", "E", "F"})
}

// Three requests, three-way schedule: one per sub-batch, the sixteen stages
// A..P each execute exactly once.
func TestScheduler_ThreeRequestThreeWay(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ThreeWay
	reqs := []*InferRequest{
		NewInferRequest(0, 8, 1),
		NewInferRequest(1, 8, 1),
		NewInferRequest(2, 8, 1),
	}

	sched, completed := runScheduler(t, cfg, reqs, 5_000_000)

	if len(completed) != 3 {
		t.Fatalf("completed %d requests, want 3", len(completed))
	}
	want := make([]string, 0, 16)
	for s := StageA; s <= StageP; s++ {
		want = append(want, s.String())
	}
	assertStageSequence(t, stageNames(sched.StageStats()), want)
}

// Tile capacity rejection: with room for only one large request, the second
// stays uninitiated until the first completes and frees its tiles.
func TestScheduler_CapacityRejectionThenAdmission(t *testing.T) {
	cfg := testConfig()
	// need(33000) = 66032 tiles of the 131072 on the single channel, so a
	// second identical request cannot fit alongside the first.
	reqs := []*InferRequest{
		NewInferRequest(0, 33000, 1),
		NewInferRequest(1, 33000, 1),
	}

	sched, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Launch(NewModel("test", cfg))
	for _, req := range reqs {
		sched.AddRequest(req)
	}

	sched.Cycle()
	if !reqs[0].IsInitiated {
		t.Fatal("first request should be admitted on the first pass")
	}
	if reqs[1].IsInitiated || reqs[1].Channel != -1 {
		t.Fatal("second request must be rejected while the first holds the tiles")
	}

	_, completed := runScheduler(t, cfg, []*InferRequest{
		NewInferRequest(0, 33000, 1),
		NewInferRequest(1, 33000, 1),
	}, 50_000_000)
	if len(completed) != 2 {
		t.Fatalf("completed %d requests, want 2 after the freed tiles readmit the second", len(completed))
	}
	if completed[0].ID != 0 || completed[1].ID != 1 {
		t.Errorf("completion order %d,%d, want 0,1", completed[0].ID, completed[1].ID)
	}
}

// Barrier ordering: an operation emitting [Ready, Ready, Barrier] withholds
// the barrier until both ready tiles finish; consuming it then completes the
// operation.
func TestScheduler_BarrierOrdering(t *testing.T) {
	cfg := testConfig()
	sched, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.Launch(NewModel("test", cfg))
	sched.AddRequest(NewInferRequest(0, 16, 1))

	// First cycle builds the stage-A programs; the SA queue holds the
	// LayerNorm's two ready tiles plus its barrier.
	sched.Cycle()
	if n := len(sched.tileQueues[PlatformSA]); n != 3 {
		t.Fatalf("SA queue holds %d tiles, want 3 (2 ready + barrier)", n)
	}

	first := sched.TopTileSA(0)
	if first.Status != TileReady {
		t.Fatalf("first peek: %s, want READY", first.Status)
	}
	sched.GetTileSA(0)

	second := sched.TopTileSA(1)
	if second.Status != TileReady {
		t.Fatalf("second peek: %s, want READY", second.Status)
	}
	sched.GetTileSA(1)

	// Head is now the barrier: withheld while tiles are outstanding.
	if got := sched.TopTileSA(0); got.Status != TileEmpty {
		t.Fatalf("barrier head must peek as EMPTY, got %s", got.Status)
	}
	sched.GetTileSA(0) // not retirable yet
	if n := len(sched.tileQueues[PlatformSA]); n != 1 {
		t.Fatalf("barrier must not pop with tiles outstanding, queue len %d", n)
	}

	if done := sched.FinishTile(0, first); done {
		t.Error("operation must not complete with a tile still outstanding")
	}
	if got := sched.TopTileSA(0); got.Status != TileEmpty {
		t.Error("barrier still withheld after one of two tiles finished")
	}

	if done := sched.FinishTile(1, second); done {
		t.Error("the barrier, not the last ready tile, finalizes the operation")
	}

	opID := first.OperationID
	sched.GetTileSA(0) // consumes the barrier, completing the operation
	if _, running := sched.activeStats[opID]; running {
		t.Error("operation stat should have moved to the finished map")
	}
	if _, ok := sched.finishedStats[opID]; !ok {
		t.Error("finished stats must record the completed operation")
	}
	// The queue reloads with the QKVGen tiles.
	if got := sched.TopTileSA(0); got.Status != TileReady || got.OpType != OpQKVGen {
		t.Errorf("queue should reload with QKVGen tiles, got %s/%s", got.Status, got.OpType)
	}
}

// Repeating Cycle after everything drained is a no-op.
func TestScheduler_IdleCycleIsNoOp(t *testing.T) {
	cfg := testConfig()
	sched, completed := runScheduler(t, cfg, []*InferRequest{NewInferRequest(0, 16, 1)}, 5_000_000)
	if len(completed) != 1 {
		t.Fatalf("completed %d requests, want 1", len(completed))
	}

	stagesBefore := len(sched.StageStats())
	stageBefore := sched.CurrentStage()
	for i := 0; i < 10; i++ {
		sched.Cycle()
	}
	if len(sched.StageStats()) != stagesBefore {
		t.Error("idle cycles must not record stage completions")
	}
	if sched.CurrentStage() != stageBefore {
		t.Error("idle cycles must not advance the stage")
	}
	if sched.Running() {
		t.Error("scheduler must stay idle with no pending work")
	}
}

// The just-one-stage debug flag forces Finish after any stage completes, so
// each decode step runs only stage A.
func TestScheduler_JustOneStage(t *testing.T) {
	cfg := testConfig()
	sched, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sched.JustOneStage = true
	sched.Launch(NewModel("test", cfg))
	sched.AddRequest(NewInferRequest(0, 16, 2))

	cores := []*Core{NewCore(0, PlatformSA, sched), NewCore(1, PlatformPIM, sched)}
	for cycles := 0; sched.Running(); cycles++ {
		if cycles >= 1_000_000 {
			t.Fatal("just-one-stage run did not complete")
		}
		sched.Cycle()
		for _, core := range cores {
			core.Tick()
		}
		for sched.HasCompletedRequest() {
			sched.PopCompletedRequest()
		}
	}
	for _, st := range sched.StageStats() {
		if st.Stage != "A" {
			t.Errorf("stage %s executed, want only A", st.Stage)
		}
	}
}

// Stage completion records carry non-decreasing cumulative cycle counts.
func TestScheduler_StageStatsMonotonic(t *testing.T) {
	cfg := testConfig()
	sched, _ := runScheduler(t, cfg, []*InferRequest{NewInferRequest(0, 16, 2)}, 5_000_000)

	var prev int64
	for _, st := range sched.StageStats() {
		if st.Cycles < prev {
			t.Fatalf("stage %s recorded %d cycles after %d", st.Stage, st.Cycles, prev)
		}
		prev = st.Cycles
	}
}
