// Package incremental feeds subtrees inserted after the initial scan back
// into the engine, in debounced and throttled batches.
//
// Notifications may come from any goroutine. The Run loop owns the queue,
// the off-screen registry and the timers. Whether a node was already
// converted is left to the engine's visitation set.
package incremental

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
)

// ProcessFunc walks one subtree in full mode.
type ProcessFunc func(n *html.Node)

// Config controls batching.
type Config struct {
	DebounceWindow   time.Duration
	MaxWait          time.Duration // cap on the wait under a steady stream
	ThrottleInterval time.Duration
	BatchSize        int
	Visible          func(*html.Node) bool // default dom.Visible
	// Tree guards reads of the document while batches are sorted. process
	// is called without it held.
	Tree   sync.Locker
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 150 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.ThrottleInterval <= 0 {
		c.ThrottleInterval = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Visible == nil {
		c.Visible = dom.Visible
	}
	if c.Tree == nil {
		c.Tree = &sync.Mutex{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are the controller's counters.
type Stats struct {
	Batches    int64 `json:"batches"`
	Processed  int64 `json:"processed"`
	Registered int64 `json:"registered"`
	Throttled  int64 `json:"throttled"`
	Pending    int64 `json:"pending"`
}

type eventKind int

const (
	eventInserted eventKind = iota
	eventVisible
)

type event struct {
	kind eventKind
	node *html.Node
}

// Controller batches insertion and visibility notifications.
type Controller struct {
	cfg     Config
	process ProcessFunc
	logger  *slog.Logger

	mu    sync.Mutex
	inbox []event
	wake  chan struct{}

	// Owned by Run.
	queue     []*html.Node
	queued    map[*html.Node]bool
	offscreen map[*html.Node]bool
	deb       *debouncer

	batches, processed, registered, throttled, pending atomic.Int64
}

// New creates a Controller. process is called from the Run goroutine only.
func New(cfg Config, process ProcessFunc) *Controller {
	cfg.defaults()
	return &Controller{
		cfg:       cfg,
		process:   process,
		logger:    cfg.Logger,
		wake:      make(chan struct{}, 1),
		queued:    make(map[*html.Node]bool),
		offscreen: make(map[*html.Node]bool),
		deb:       newDebouncer(cfg.DebounceWindow, cfg.MaxWait, cfg.ThrottleInterval),
	}
}

// NotifyInserted reports subtrees added to the document.
func (c *Controller) NotifyInserted(nodes ...*html.Node) {
	c.notify(eventInserted, nodes...)
}

// NotifyVisible reports that n entered the viewport.
func (c *Controller) NotifyVisible(n *html.Node) {
	c.notify(eventVisible, n)
}

func (c *Controller) notify(kind eventKind, nodes ...*html.Node) {
	c.mu.Lock()
	for _, n := range nodes {
		if n != nil {
			c.inbox = append(c.inbox, event{kind: kind, node: n})
		}
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run processes notifications until ctx is cancelled. Pending nodes are
// dropped on cancellation.
func (c *Controller) Run(ctx context.Context) error {
	defer c.deb.stop()
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-c.wake:
			c.drain(time.Now())

		case <-c.deb.timerC():
			c.deb.timerCh = nil
			c.tick(time.Now())
		}
		c.schedule(time.Now())
	}
}

// drain moves the inbox into the queue.
func (c *Controller) drain(now time.Time) {
	c.mu.Lock()
	events := c.inbox
	c.inbox = nil
	c.mu.Unlock()

	for _, ev := range events {
		switch ev.kind {
		case eventInserted:
			c.enqueue(ev.node, now)
		case eventVisible:
			c.onVisible(ev.node, now)
		}
	}
}

func (c *Controller) enqueue(n *html.Node, now time.Time) {
	c.deb.touch(now)
	if c.queued[n] {
		return
	}
	c.queued[n] = true
	c.queue = append(c.queue, n)
	c.pending.Store(int64(len(c.queue)))
}

// onVisible queues the registered nodes under n, n included, and
// unregisters them.
func (c *Controller) onVisible(n *html.Node, now time.Time) {
	c.cfg.Tree.Lock()
	defer c.cfg.Tree.Unlock()
	for r := range c.offscreen {
		if dom.Contains(n, r) && c.cfg.Visible(r) {
			delete(c.offscreen, r)
			c.enqueue(r, now)
		}
	}
}

// schedule arms the timer for the next flush, if any node is waiting.
func (c *Controller) schedule(now time.Time) {
	if len(c.queue) == 0 {
		c.deb.stop()
		return
	}
	wait, throttled := c.deb.next(now, len(c.queue) >= c.cfg.BatchSize)
	if throttled && !c.deb.deferred {
		c.deb.deferred = true
		c.throttled.Add(1)
	}
	c.deb.arm(wait)
}

// tick flushes when the debounce window and throttle interval allow it.
func (c *Controller) tick(now time.Time) {
	if len(c.queue) == 0 {
		return
	}
	if wait, _ := c.deb.next(now, len(c.queue) >= c.cfg.BatchSize); wait > 0 {
		return
	}
	c.flush(now)
}

// flush processes one batch. Nodes whose ancestor is in the same batch are
// covered by that ancestor's walk. Detached nodes are dropped; hidden ones
// wait in the off-screen registry for a visibility notification.
func (c *Controller) flush(now time.Time) {
	n := min(len(c.queue), c.cfg.BatchSize)
	batch := c.queue[:n:n]
	c.queue = c.queue[n:]
	for _, node := range batch {
		delete(c.queued, node)
	}
	c.pending.Store(int64(len(c.queue)))
	c.deb.flushed(now, len(c.queue))
	c.batches.Add(1)

	var ready []*html.Node
	registered := 0
	c.cfg.Tree.Lock()
	for i, node := range batch {
		if coveredBy(batch, i) || !dom.Attached(node) {
			continue
		}
		if !c.cfg.Visible(node) {
			if !c.offscreen[node] {
				c.offscreen[node] = true
				registered++
			}
			continue
		}
		ready = append(ready, node)
	}
	c.cfg.Tree.Unlock()

	for _, node := range ready {
		c.process(node)
	}
	processed := len(ready)
	c.processed.Add(int64(processed))
	c.registered.Add(int64(registered))

	c.logger.Debug("incremental: batch flushed",
		"size", len(batch), "processed", processed, "registered", registered, "pending", len(c.queue))
}

func coveredBy(batch []*html.Node, i int) bool {
	for j, other := range batch {
		if j != i && other != batch[i] && dom.Contains(other, batch[i]) {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Batches:    c.batches.Load(),
		Processed:  c.processed.Load(),
		Registered: c.registered.Load(),
		Throttled:  c.throttled.Load(),
		Pending:    c.pending.Load(),
	}
}
