// The scheduler state machine: request admission and KV placement, sub-batch
// partitioning, per-stage program construction for every platform, the
// per-platform executable tile queues the compute cores poll, and stage
// advancement with end-of-step cleanup.

package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Default admission bounds.
const (
	DefaultMaxBatchSize  = 1024
	DefaultMaxActiveReqs = 1024
)

// Scheduler interleaves sub-batches of inference requests across the dense
// (SA) and in-memory (PIM) compute substrates. It is single-threaded: an
// outer loop calls Cycle once per simulated cycle, and compute cores poll
// tiles through TopTile/GetTile and report completions through FinishTile.
type Scheduler struct {
	cfg   SimConfig
	d     Derived
	model *Model

	maxBatchSize  int
	maxActiveReqs int
	activeReqs    int

	// pending holds every request in flight, initiated or not; completed
	// requests move to the completed queue on their final decode step.
	pending   []*InferRequest
	completed []*InferRequest

	alloc           *KVTileAllocator
	activeReqQueues [][]*InferRequest // per DRAM channel, in admission order

	breqs        [][]*InferRequest // current sub-batches
	platformList []StagePlatform
	programs     map[StagePlatform]*StageProgram
	tileQueues   map[StagePlatform][]Tile

	activeStats   map[int]*RunningStat
	finishedStats map[int]*RunningStat

	cycles    int64
	stage     Stage
	initStage Stage
	prevStage Stage

	// JustOneStage is a debug aid: it forces the next stage after any
	// completion to Finish.
	JustOneStage bool

	stageStats []StageStat
}

// NewScheduler validates the configuration and builds an idle scheduler.
func NewScheduler(cfg SimConfig) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	d := NewDerived(cfg)
	s := &Scheduler{
		cfg:             cfg,
		d:               d,
		maxBatchSize:    cfg.MaxBatchSize,
		maxActiveReqs:   cfg.MaxActiveReqs,
		alloc:           NewKVTileAllocator(cfg, d),
		activeReqQueues: make([][]*InferRequest, cfg.DRAMChannels),
		breqs:           make([][]*InferRequest, cfg.NumSubBatches()),
		platformList:    platforms(cfg.Mode),
		programs:        make(map[StagePlatform]*StageProgram),
		tileQueues:      make(map[StagePlatform][]Tile),
		activeStats:     make(map[int]*RunningStat),
		finishedStats:   make(map[int]*RunningStat),
		stage:           StageA,
		initStage:       StageA,
	}
	if s.maxBatchSize <= 0 {
		s.maxBatchSize = DefaultMaxBatchSize
	}
	if s.maxActiveReqs <= 0 {
		s.maxActiveReqs = DefaultMaxActiveReqs
	}
	for _, platform := range s.platformList {
		s.programs[platform] = nil
		s.tileQueues[platform] = nil
	}
	logrus.Infof("key_period: %d, key_page_size: %d", d.KeyPeriod, d.KeyPageSize)
	logrus.Infof("value_period: %d, value_page_size: %d", d.ValuePeriod, d.ValuePageSize)
	logrus.Infof("effective E (nh*dk): %d", d.EffectiveE)
	return s, nil
}

// Launch binds the model parameter provider.
func (s *Scheduler) Launch(model *Model) {
	s.model = model
	logrus.Infof("MODEL %s launched in scheduler", model.Name)
}

// AddRequest enqueues a request onto the pending queue.
func (s *Scheduler) AddRequest(req *InferRequest) {
	s.pending = append(s.pending, req)
}

// Cycle advances one simulated cycle: on the first tick of the initial stage
// it admits pending requests and partitions the active set; whenever every
// platform's program has drained it either starts the next stage's programs
// or, at Finish, drains the decode step.
func (s *Scheduler) Cycle() {
	stepNextStage := s.allProgramsNil()

	if stepNextStage && s.stage == s.initStage && len(s.pending) > 0 {
		s.initBatches()
	}

	s.cycles++

	if !s.allProgramsNil() || !s.anySubBatchPopulated() {
		return
	}
	if s.stage == StageFinish {
		for _, breq := range s.breqs {
			s.cleanupSubBatch(breq)
		}
		for i := range s.breqs {
			s.breqs[i] = nil
		}
		// Re-enter the initial stage on the next cycle while work remains.
		s.stage = s.initStage
		return
	}
	logrus.Infof("[cycle %07d] ---------- Stage %s ----------", s.cycles, s.stage)
	s.makeProgram()
}

// initBatches is called once per decode step, on the first tick of the
// initial stage.
func (s *Scheduler) initBatches() {
	s.allocateRequests()
	s.groupSubBatches()
}

// allocateRequests admits pending requests that are not yet initiated:
// channel placement, KV tensor creation, and latency bookkeeping. A request
// the allocator rejects stays pending and is retried on the next pass.
func (s *Scheduler) allocateRequests() {
	batchSize := 0
	for _, req := range s.pending {
		if batchSize == s.maxBatchSize {
			break
		}
		if req.Done() {
			panic(fmt.Sprintf("allocateRequests: request %d already complete", req.ID))
		}
		if !req.IsInitiated {
			if s.activeReqs >= s.maxActiveReqs {
				continue
			}
			ch, need, err := s.alloc.Allocate(req.InputSize)
			if err != nil {
				logrus.Warnf("request#%d rejected: %v", req.ID, err)
				continue
			}
			seqLen := req.InputSize
			logrus.Infof("request#%d seq_len:%d channel:%d", req.ID, seqLen, ch)

			req.Channel = ch
			req.kvTiles = need
			req.KCache = append(req.KCache, NewKVTensor(
				fmt.Sprintf("%d_KEY_0", req.ID), TensorKey, []int{s.d.NH, s.d.DK, seqLen}, ch))
			req.VCache = append(req.VCache, NewKVTensor(
				fmt.Sprintf("%d_VALUE_0", req.ID), TensorValue, []int{s.d.NH, seqLen, s.d.DK}, ch))

			req.mhaLatency = s.alloc.EstimateMHALatency(seqLen)
			s.alloc.AddLatency(ch, req.mhaLatency)
			s.activeReqQueues[ch] = append(s.activeReqQueues[ch], req)
			s.activeReqs++
			req.IsInitiated = true
		}
		batchSize++
	}
}

// groupSubBatches partitions the per-channel active request lists into the
// schedule's sub-batches.
func (s *Scheduler) groupSubBatches() {
	s.breqs = partitionSubBatches(s.cfg.Mode, s.activeReqQueues)
	total := 0
	for _, breq := range s.breqs {
		total += len(breq)
	}
	logrus.Infof("total batch_size: %d", total)
}

// makeProgram builds one StageProgram per platform according to the stage's
// fixed sub-batch binding, then primes each platform's tile queue.
func (s *Scheduler) makeProgram() {
	if s.model == nil {
		panic("makeProgram: no model launched")
	}
	binding := subBatchBinding(s.cfg.Mode, s.stage)
	for i, platform := range s.platformList {
		breq := NewBatchedRequest(s.breqs[binding[i]])
		logrus.Infof("New program for %s (sub-batch size: %d)", platform, len(breq.Reqs))
		s.programs[platform] = NewStageProgram(s.cfg, s.d, s.model, breq, platform, s.stage)
	}
	for _, platform := range s.platformList {
		s.refreshStatus(platform)
	}
}

func (s *Scheduler) allProgramsNil() bool {
	for _, platform := range s.platformList {
		if s.programs[platform] != nil {
			return false
		}
	}
	return true
}

func (s *Scheduler) anySubBatchPopulated() bool {
	for _, breq := range s.breqs {
		if len(breq) > 0 {
			return true
		}
	}
	return false
}

// refreshStatus is the per-platform bookkeeping pass: a finished program is
// logged and dropped (possibly advancing the stage), and an idle tile queue
// is reseeded from the program's front executable operation.
func (s *Scheduler) refreshStatus(platform StagePlatform) {
	if prog := s.programs[platform]; prog != nil && prog.CheckFinish() {
		s.finishProgram(platform)
	}
	prog := s.programs[platform]
	if prog == nil || len(s.tileQueues[platform]) != 0 {
		return
	}
	op := prog.FrontExecutable()
	if op == nil {
		panic(fmt.Sprintf("%s: DAG deadlock, program unfinished but no executable operation", prog.Name))
	}
	if _, running := s.activeStats[op.ID]; running {
		return
	}
	tiles := op.Tiles(platform)
	s.tileQueues[platform] = append([]Tile(nil), tiles...)
	op.StartCycle = s.cycles
	s.activeStats[op.ID] = &RunningStat{
		ID:            op.ID,
		Name:          op.Name,
		StartCycle:    s.cycles,
		TotalTiles:    len(tiles),
		RemainTiles:   len(tiles),
		LaunchedTiles: 0,
	}
	logrus.Debugf("[cycle %07d] %s: start operation %s (%d tiles)", s.cycles, platform, op.Name, len(tiles))
}

func (s *Scheduler) finishProgram(platform StagePlatform) {
	prog := s.programs[platform]
	logrus.Infof("[cycle %07d] program %s finished", s.cycles, prog.Name)
	prog.Log(s.cfg.LogDir)
	s.programs[platform] = nil
	s.refreshStage()
}

// refreshStage advances the stage counter once every platform's program has
// drained.
func (s *Scheduler) refreshStage() {
	if !s.allProgramsNil() {
		return
	}
	logrus.Infof("[cycle %07d] ------- Stage %s done -------", s.cycles, s.stage)
	s.stageStats = append(s.stageStats, StageStat{Stage: s.stage.String(), Cycles: s.cycles})
	s.prevStage = s.stage
	s.stage = nextStage(s.cfg.Mode, s.stage)
	if s.JustOneStage {
		s.stage = StageFinish
	}
}

// cleanupSubBatch runs the end-of-step drain for one sub-batch: bump the
// generated counter, sever the KV tensors' consumer links, and retire
// requests whose output is complete.
func (s *Scheduler) cleanupSubBatch(breq []*InferRequest) {
	for _, req := range breq {
		req.IsInitiated = true
		req.Generated++
		if req.Generated > req.OutputSize {
			panic(fmt.Sprintf("cleanupSubBatch: request %d generated past its output size", req.ID))
		}
		req.KCache[0].ClearChildren()
		req.VCache[0].ClearChildren()

		if !req.Done() {
			continue
		}
		s.completed = append(s.completed, req)
		s.removePending(req.ID)
		s.removeActive(req)
		s.alloc.Free(req.Channel, req.kvTiles)
		s.alloc.SubLatency(req.Channel, req.mhaLatency)
		s.activeReqs--
		logrus.Infof("[cycle %07d] request %d done", s.cycles, req.ID)
	}
}

func (s *Scheduler) removePending(id int) {
	for i, req := range s.pending {
		if req.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) removeActive(req *InferRequest) {
	queue := s.activeReqQueues[req.Channel]
	for i, r := range queue {
		if r.ID == req.ID {
			s.activeReqQueues[req.Channel] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

//////////////////////////////////////
// Tile dispatch contract

// TopTile peeks at a platform's executable tile queue. It returns an Empty
// tile when the queue is empty or when the head is a barrier that is not yet
// ready to retire.
func (s *Scheduler) TopTile(platform StagePlatform, coreID int) Tile {
	queue := s.tileQueues[platform]
	if len(queue) == 0 {
		return EmptyTile()
	}
	tile := queue[0]
	if tile.Status == TileBar {
		stat, ok := s.activeStats[tile.OperationID]
		if !ok || stat.LaunchedTiles+stat.RemainTiles != stat.TotalTiles {
			return EmptyTile()
		}
	}
	tile.Platform = platform
	return tile
}

// GetTile consumes the head of a platform's tile queue. A barrier head is
// popped only once its operation has exhausted all non-barrier tiles
// (launched + remain == total); consuming it finalizes the operation.
func (s *Scheduler) GetTile(platform StagePlatform, coreID int) {
	queue := s.tileQueues[platform]
	if len(queue) == 0 {
		return
	}
	tile := queue[0]
	stat, ok := s.activeStats[tile.OperationID]
	if !ok {
		panic(fmt.Sprintf("GetTile: no running stat for operation %d", tile.OperationID))
	}
	if tile.Status == TileBar {
		if stat.LaunchedTiles+stat.RemainTiles != stat.TotalTiles {
			// Some launched tile has not come back; the barrier holds.
			return
		}
		s.tileQueues[platform] = queue[1:]
		stat.LaunchedTiles++
		stat.RemainTiles--
		if stat.RemainTiles == 0 {
			s.completeOperation(platform, tile.OperationID)
		}
		return
	}
	stat.LaunchedTiles++
	if stat.LaunchedTiles > stat.TotalTiles {
		panic(fmt.Sprintf("GetTile: launched more tiles than operation %d holds", tile.OperationID))
	}
	s.tileQueues[platform] = queue[1:]
	logrus.Debugf("[cycle %07d] %s core %d: get tile of %s", s.cycles, platform, coreID, tile.OpType)
}

// FinishTile returns a completed tile from a compute core. It reports true
// when the tile's operation has fully finished.
func (s *Scheduler) FinishTile(coreID int, tile Tile) bool {
	stat, ok := s.activeStats[tile.OperationID]
	if !ok {
		panic(fmt.Sprintf("FinishTile: no running stat for operation %d", tile.OperationID))
	}
	if stat.RemainTiles <= 0 {
		panic(fmt.Sprintf("FinishTile: remain tile underflow for operation %d", tile.OperationID))
	}
	stat.RemainTiles--
	logrus.Debugf("[cycle %07d] %s core %d: finish tile of %s", s.cycles, tile.Platform, coreID, tile.OpType)

	result := false
	if stat.RemainTiles == 0 {
		result = true
		s.completeOperation(tile.Platform, tile.OperationID)
	} else {
		s.refreshStatus(tile.Platform)
	}
	return result
}

// completeOperation retires an operation: its stat moves to the finished map,
// the owning program unlocks its children, and the platform's queue reloads.
func (s *Scheduler) completeOperation(platform StagePlatform, opID int) {
	stat, ok := s.activeStats[opID]
	if !ok {
		panic(fmt.Sprintf("completeOperation: no running stat for operation %d", opID))
	}
	prog := s.programs[platform]
	if prog == nil {
		panic(fmt.Sprintf("completeOperation: no program on %s for operation %d", platform, opID))
	}
	logrus.Infof("[cycle %07d] operation %s finish (compute time %d)",
		s.cycles, stat.Name, s.cycles-stat.StartCycle)
	s.finishedStats[opID] = stat
	delete(s.activeStats, opID)
	prog.FinishOperation(opID, s.cycles)
	s.refreshStatus(platform)
}

//////////////////////////////////////
// Platform-named wrappers

// TopTileSA peeks the SA queue (two-way schedule).
func (s *Scheduler) TopTileSA(coreID int) Tile { return s.TopTile(PlatformSA, coreID) }

// TopTileSA1 peeks the SA1 queue (three-way schedule).
func (s *Scheduler) TopTileSA1(coreID int) Tile { return s.TopTile(PlatformSA1, coreID) }

// TopTileSA2 peeks the SA2 queue (three-way schedule).
func (s *Scheduler) TopTileSA2(coreID int) Tile { return s.TopTile(PlatformSA2, coreID) }

// TopTilePIM peeks the PIM queue.
func (s *Scheduler) TopTilePIM(coreID int) Tile { return s.TopTile(PlatformPIM, coreID) }

// GetTileSA consumes from the SA queue (two-way schedule).
func (s *Scheduler) GetTileSA(coreID int) { s.GetTile(PlatformSA, coreID) }

// GetTileSA1 consumes from the SA1 queue (three-way schedule).
func (s *Scheduler) GetTileSA1(coreID int) { s.GetTile(PlatformSA1, coreID) }

// GetTileSA2 consumes from the SA2 queue (three-way schedule).
func (s *Scheduler) GetTileSA2(coreID int) { s.GetTile(PlatformSA2, coreID) }

// GetTilePIM consumes from the PIM queue.
func (s *Scheduler) GetTilePIM(coreID int) { s.GetTile(PlatformPIM, coreID) }

//////////////////////////////////////
// Completion and introspection

// HasCompletedRequest reports whether a finished request is waiting.
func (s *Scheduler) HasCompletedRequest() bool { return len(s.completed) > 0 }

// PopCompletedRequest dequeues the oldest finished request.
func (s *Scheduler) PopCompletedRequest() *InferRequest {
	if len(s.completed) == 0 {
		panic("PopCompletedRequest: no completed request")
	}
	req := s.completed[0]
	s.completed = s.completed[1:]
	return req
}

// Running reports whether any request is still in flight or waiting to be
// drained by the caller.
func (s *Scheduler) Running() bool { return len(s.pending) > 0 || len(s.completed) > 0 }

// Cycles returns the scheduler's cycle counter.
func (s *Scheduler) Cycles() int64 { return s.cycles }

// CurrentStage returns the stage the scheduler is in.
func (s *Scheduler) CurrentStage() Stage { return s.stage }

// Platforms returns the platform set of the configured schedule.
func (s *Scheduler) Platforms() []StagePlatform { return s.platformList }

// StageStats returns the per-stage cumulative cycle records.
func (s *Scheduler) StageStats() []StageStat { return s.stageStats }

// Allocator exposes the KV tile allocator for inspection.
func (s *Scheduler) Allocator() *KVTileAllocator { return s.alloc }

// ActiveRequestQueues exposes the per-channel active request lists.
func (s *Scheduler) ActiveRequestQueues() [][]*InferRequest { return s.activeReqQueues }

// SubBatches exposes the current sub-batch partition.
func (s *Scheduler) SubBatches() [][]*InferRequest { return s.breqs }

// PrintStat logs per-stage execution cycles.
func (s *Scheduler) PrintStat() {
	var prev int64
	for _, st := range s.stageStats {
		logrus.Infof("Stage %s : %d cycles", st.Stage, st.Cycles-prev)
		prev = st.Cycles
	}
}

// WriteStats persists the stage stats under the configured log directory.
func (s *Scheduler) WriteStats() error {
	if s.cfg.LogDir == "" {
		return nil
	}
	return WriteStageStats(s.cfg.LogDir, s.stageStats)
}
