// Package annotate rewrites fiat prices in html trees with their value in
// bitcoin or satoshis.
//
// An Engine owns one visitation set per page load. Scan resets it, checks
// the browsing context, then walks the tree twice: a targeted pass over
// elements that look like prices, then a full pass. Nodes inserted later
// go through NotifyInserted and are walked in small debounced batches by
// Watch. No public method panics; outcomes are reported as ScanResult.
package annotate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/config"
	"github.com/hazyhaar/satlens/annotate/internal/dom"
	"github.com/hazyhaar/satlens/annotate/internal/incremental"
	"github.com/hazyhaar/satlens/annotate/internal/livedoc"
	"github.com/hazyhaar/satlens/annotate/internal/pattern"
	"github.com/hazyhaar/satlens/annotate/internal/reconstruct"
	"github.com/hazyhaar/satlens/annotate/internal/safety"
	"github.com/hazyhaar/satlens/annotate/internal/walker"
	"github.com/hazyhaar/satlens/idgen"
	"github.com/hazyhaar/satlens/mutation"
)

// StatsRecorder receives every ScanResult, for an external metrics store.
type StatsRecorder interface {
	RecordScan(r ScanResult)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStatsRecorder hands every ScanResult to r.
func WithStatsRecorder(r StatsRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithVisibility replaces the inline-style visibility heuristic used by
// the targeted pass and the incremental controller.
func WithVisibility(fn func(*html.Node) bool) Option {
	return func(e *Engine) {
		if fn != nil {
			e.visible = fn
		}
	}
}

// WithFrameContext sets the browsing context used by the first scan.
func WithFrameContext(fc *FrameContext) Option {
	return func(e *Engine) { e.frame = fc }
}

// WithIDGenerator sets the generator of ScanResult IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// Engine annotates one document at a time.
type Engine struct {
	cfg        *config.Config
	logger     *slog.Logger
	recorder   StatsRecorder
	visible    func(*html.Node) bool
	newID      idgen.Generator
	lib        *pattern.Library
	units      pattern.Units
	rules      *reconstruct.Rules
	classifier *safety.Classifier
	targets    likelyPrice
	ctrl       *incremental.Controller

	// mu guards the document and everything below.
	mu      sync.Mutex
	frame   *FrameContext
	root    *html.Node
	doc     *livedoc.Document
	visited *walker.VisitationSet
	verdict Verdict
	walker  *walker.Walker
	rate    float64
}

// New builds an Engine from cfg. A nil cfg means DefaultConfig().
func New(cfg *Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  slog.Default(),
		visible: dom.Visible,
		newID:   idgen.Prefixed("scan_", idgen.Default),
	}
	for _, o := range opts {
		o(e)
	}

	lib, err := pattern.Compile(pattern.Currency{Prefix: cfg.Currency.Prefix, Suffix: cfg.Currency.Suffix})
	if err != nil {
		return nil, fmt.Errorf("annotate: %w", err)
	}
	e.lib = lib
	e.units = pattern.Units{
		Primary:          cfg.Units.Primary,
		Subunit:          cfg.Units.Subunit,
		SubunitsPerUnit:  cfg.Units.SubunitsPerUnit,
		PrimaryPrecision: cfg.Units.PrimaryPrecision,
		SubunitPrecision: cfg.Units.SubunitPrecision,
	}

	t := cfg.Tables
	rules, err := reconstruct.Compile(reconstruct.Tables{
		CandidateHints:     t.CandidateHints,
		ContainerClasses:   t.ContainerClasses,
		SymbolSelectors:    t.SymbolSelectors,
		WholeSelectors:     t.WholeSelectors,
		FractionSelectors:  t.FractionSelectors,
		OffscreenSelectors: t.OffscreenSelectors,
		SymbolKeywords:     t.SymbolKeywords,
		MaxAncestorLevels:  t.MaxAncestorLevels,
		Symbol:             cfg.Currency.Symbol,
	})
	if err != nil {
		return nil, fmt.Errorf("annotate: %w", err)
	}
	e.rules = rules

	if e.targets, err = compileTargets(t.TargetedSelectors); err != nil {
		return nil, err
	}
	e.classifier = safety.New(cfg.Safety, e.logger)
	e.ctrl = incremental.New(incremental.Config{
		DebounceWindow:   cfg.Incremental.DebounceWindow,
		MaxWait:          cfg.Incremental.MaxWait,
		ThrottleInterval: cfg.Incremental.ThrottleInterval,
		BatchSize:        cfg.Incremental.BatchSize,
		Visible:          e.visible,
		Tree:             &e.mu,
		Logger:           e.logger,
	}, func(n *html.Node) { e.ProcessSubtree(n) })
	return e, nil
}

// SetContext replaces the browsing context checked by the next Scan.
func (e *Engine) SetContext(fc *FrameContext) {
	e.mu.Lock()
	e.frame = fc
	e.mu.Unlock()
}

// SetRate changes the rate used by incremental processing without
// rescanning. Invalid rates are rejected.
func (e *Engine) SetRate(rate float64) error {
	w, err := e.newWalker(rate)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.walker, e.rate = w, rate
	e.mu.Unlock()
	return nil
}

// Rate returns the rate of the last successful Scan or SetRate.
func (e *Engine) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// Root returns the document of the last Scan.
func (e *Engine) Root() *html.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.root
}

// Locker guards the scanned document. Hold it to read or edit the tree
// while Watch is running.
func (e *Engine) Locker() sync.Locker { return &e.mu }

func (e *Engine) newWalker(rate float64) (*walker.Walker, error) {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return nil, pattern.ErrInvalidRate
	}
	conv, err := pattern.NewConverter(rate, e.units)
	if err != nil {
		return nil, err
	}
	ann := pattern.NewAnnotator(e.lib, conv)
	return walker.New(walker.Config{
		Text:       ann,
		Detector:   e.lib,
		Containers: reconstruct.New(e.rules, ann, e.logger),
		SkipTags:   e.cfg.Tables.SkipTags,
		PriceHints: e.cfg.Tables.PriceHints,
		Visible:    e.visible,
		Logger:     e.logger,
	}), nil
}

func validRoot(n *html.Node) bool {
	return n != nil && (n.Type == html.DocumentNode || n.Type == html.ElementNode)
}

// Scan annotates root at rate. It starts a new page load: the visitation
// set is reset and root becomes the document followed by Apply and Watch.
func (e *Engine) Scan(root *html.Node, rate float64) (res ScanResult) {
	start := time.Now()
	res = ScanResult{ID: e.newID(), Kind: "scan"}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.TerminationReason = ReasonInternalError
			e.logger.Error("annotate: scan panicked", "scan_id", res.ID, "panic", r)
		}
		res.Duration = time.Since(start)
		e.report(res)
	}()

	if !validRoot(root) {
		res.Status, res.TerminationReason = StatusInvalid, ReasonInvalidInput
		return res
	}
	w, err := e.newWalker(rate)
	if err != nil {
		res.Status, res.TerminationReason = StatusInvalid, ReasonInvalidInput
		return res
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.walker, e.rate = w, rate
	e.visited = walker.NewVisitationSet()
	if e.root != root {
		e.root = root
		e.doc = livedoc.New(root, e.ctrl, &e.mu, e.logger)
	}

	res.Verdict = e.classify(root)
	e.verdict = res.Verdict
	if res.Verdict.Restricted {
		res.Status, res.TerminationReason = StatusSkipped, ReasonRestricted
		return res
	}

	budget := walker.Options{
		MaxOperations: e.cfg.Budgets.MaxOperations,
		MaxStack:      e.cfg.Budgets.MaxStack,
		Memo:          walker.NewMemo(),
	}
	targeted := e.targetedPass(w, root, budget)
	budget.Mode = walker.Full
	full := w.Walk(root, e.visited, budget)

	res.Targeted, res.Full = passStats(targeted), passStats(full)
	res.NodesProcessed = targeted.NodesProcessed + full.NodesProcessed
	res.Conversions = targeted.Conversions + full.Conversions
	res.Containers = targeted.Containers + full.Containers

	res.Status, res.TerminationReason = StatusCompleted, ReasonCompleted
	for _, t := range []walker.Termination{full.Termination, targeted.Termination} {
		if t != walker.Completed {
			res.Status, res.TerminationReason = StatusPartial, string(t)
			break
		}
	}
	return res
}

// targetedPass walks each likely-price element in targeted mode. The
// elements share one operation budget; a stack overflow under one element
// does not stop the others.
func (e *Engine) targetedPass(w *walker.Walker, root *html.Node, budget walker.Options) walker.Stats {
	total := walker.Stats{Termination: walker.Completed}
	budget.Mode = walker.Targeted
	limit := budget.MaxOperations

	for _, n := range e.targets.targets(root) {
		budget.MaxOperations = limit - total.Operations
		if budget.MaxOperations <= 0 {
			total.Termination = walker.OperationsLimitReached
			break
		}
		st := w.Walk(n, e.visited, budget)
		total.Merge(st)
		if st.Termination == walker.OperationsLimitReached {
			total.Termination = st.Termination
			break
		}
		if st.Termination == walker.StackLimitReached {
			total.Termination = st.Termination
		}
	}
	return total
}

// classify evaluates the context of root. The frame's Document defaults to
// root itself.
func (e *Engine) classify(root *html.Node) Verdict {
	var fc safety.Context
	if e.frame != nil {
		fc = *e.frame
	}
	if fc.Document == nil {
		fc.Document = root
	}
	return e.classifier.Classify(&fc)
}

// ProcessSubtree walks n in full mode with the incremental budget, sharing
// the visitation set of the last Scan. It does nothing before the first
// Scan or when the last verdict was restricted.
func (e *Engine) ProcessSubtree(n *html.Node) (res ScanResult) {
	start := time.Now()
	res = ScanResult{ID: e.newID(), Kind: "incremental"}
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.TerminationReason = ReasonInternalError
			e.logger.Error("annotate: subtree panicked", "scan_id", res.ID, "panic", r)
		}
		res.Duration = time.Since(start)
		e.report(res)
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case n == nil:
		res.Status, res.TerminationReason = StatusInvalid, ReasonInvalidInput
		return res
	case e.visited == nil || e.walker == nil:
		res.Status, res.TerminationReason = StatusSkipped, ReasonNoScan
		return res
	case e.verdict.Restricted:
		res.Verdict = e.verdict
		res.Status, res.TerminationReason = StatusSkipped, ReasonRestricted
		return res
	}
	res.Verdict = e.verdict

	st := e.walker.Walk(n, e.visited, walker.Options{
		Mode:          walker.Full,
		MaxOperations: e.cfg.Budgets.IncrementalMaxOperations,
		MaxStack:      e.cfg.Budgets.MaxStack,
	})
	res.Full = passStats(st)
	res.NodesProcessed, res.Conversions, res.Containers = st.NodesProcessed, st.Conversions, st.Containers
	res.TerminationReason = string(st.Termination)
	switch st.Termination {
	case walker.Completed:
		res.Status = StatusCompleted
	case walker.InvalidRoot:
		res.Status = StatusInvalid
	default:
		res.Status = StatusPartial
	}
	return res
}

// NotifyInserted queues subtrees added to the document since the last
// Scan. Safe from any goroutine; processed by Watch.
func (e *Engine) NotifyInserted(nodes ...*html.Node) { e.ctrl.NotifyInserted(nodes...) }

// NotifyVisible reports that n scrolled into view.
func (e *Engine) NotifyVisible(n *html.Node) { e.ctrl.NotifyVisible(n) }

// Watch runs the incremental controller until ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) error { return e.ctrl.Run(ctx) }

// ControllerStats returns the incremental controller's counters.
func (e *Engine) ControllerStats() ControllerStats { return e.ctrl.Stats() }

// Apply replays a mutation batch on the document of the last Scan and
// queues what it inserted or revealed. A Reset result means the page was
// replaced: the caller should Scan the next snapshot.
func (e *Engine) Apply(b *mutation.Batch) BatchResult {
	e.mu.Lock()
	doc := e.doc
	e.mu.Unlock()
	if doc == nil || b == nil {
		var skipped int
		if b != nil {
			skipped = len(b.Records)
		}
		return BatchResult{Skipped: skipped}
	}
	return doc.Apply(b)
}

func (e *Engine) report(res ScanResult) {
	attrs := []any{
		"scan_id", res.ID,
		"kind", res.Kind,
		"status", res.Status,
		"reason", res.TerminationReason,
		"nodes", res.NodesProcessed,
		"conversions", res.Conversions,
		"containers", res.Containers,
		"duration", res.Duration,
	}
	switch {
	case res.Status == StatusSkipped && res.TerminationReason == ReasonRestricted:
		e.logger.Warn("annotate: scan skipped", append(attrs, "verdict_reason", res.Verdict.Reason, "severity", res.Verdict.Severity)...)
	case res.Kind == "incremental":
		e.logger.Debug("annotate: subtree processed", attrs...)
	default:
		e.logger.Info("annotate: scan finished", attrs...)
	}
	if e.recorder != nil {
		e.recorder.RecordScan(res)
	}
}
