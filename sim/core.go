// A minimal polling compute core. Cores are external agents from the
// scheduler's point of view: each simulated cycle a core either works down
// the tile it holds or polls its platform's queue for the next one.

package sim

// Core models one compute unit bound to a platform. It calls TopTile/GetTile
// at most once per cycle and returns finished tiles through FinishTile.
type Core struct {
	id       int
	platform StagePlatform
	sched    *Scheduler

	busy      bool
	current   Tile
	remaining int64
}

// NewCore binds a core to a platform's tile queue.
func NewCore(id int, platform StagePlatform, sched *Scheduler) *Core {
	return &Core{id: id, platform: platform, sched: sched}
}

// Tick advances the core by one cycle.
func (c *Core) Tick() {
	if c.busy {
		c.remaining--
		if c.remaining <= 0 {
			c.busy = false
			c.sched.FinishTile(c.id, c.current)
		}
		return
	}
	tile := c.sched.TopTile(c.platform, c.id)
	// GetTile consumes the head; it runs after every peek so a retirable
	// barrier at the head, which the core never takes, gets popped.
	c.sched.GetTile(c.platform, c.id)
	if tile.Status == TileReady {
		c.busy = true
		c.current = tile
		c.remaining = TileLatency(tile.OpType)
	}
}

// Busy reports whether the core holds a tile in flight.
func (c *Core) Busy() bool { return c.busy }
