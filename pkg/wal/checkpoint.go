package wal

import (
	"sync"
	"time"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpointer runs a checkpoint function periodically. The function is
// expected to snapshot its state and call WAL.Checkpoint atomically with
// respect to its own appends.
type Checkpointer struct {
	interval     time.Duration
	checkpointFn func() error
	onError      func(error)
	stopCh       chan struct{}
	doneCh       chan struct{}
	startOnce    sync.Once
	stopOnce     sync.Once
	started      bool
}

// NewCheckpointer creates a checkpointer
func NewCheckpointer(checkpointFn func() error) *Checkpointer {
	return &Checkpointer{
		interval:     DefaultCheckpointInterval,
		checkpointFn: checkpointFn,
		onError:      func(error) {},
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// SetInterval changes the checkpoint interval; call before Start
func (c *Checkpointer) SetInterval(interval time.Duration) {
	c.interval = interval
}

// OnError installs a handler for failed checkpoints; call before Start
func (c *Checkpointer) OnError(fn func(error)) {
	c.onError = fn
}

// Start starts the background checkpointing process
func (c *Checkpointer) Start() {
	c.startOnce.Do(func() {
		c.started = true
		go c.run()
	})
}

// Stop stops the checkpointer, writing one final checkpoint if it was
// started
func (c *Checkpointer) Stop() {
	c.startOnce.Do(func() {})
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if c.started {
			<-c.doneCh
		}
	})
}

// run is the main checkpointing loop
func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.checkpointFn(); err != nil {
				c.onError(err)
			}

		case <-c.stopCh:
			if err := c.checkpointFn(); err != nil {
				c.onError(err)
			}
			return
		}
	}
}
