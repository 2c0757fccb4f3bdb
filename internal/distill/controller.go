package distill

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/metcalfc/distill/internal/extract"
	"github.com/metcalfc/distill/internal/reader"
)

// DefaultTimeout bounds a single extraction or search call.
const DefaultTimeout = 90 * time.Second

// SegmentState is the analysis state of one segment.
type SegmentState int

const (
	Uncached SegmentState = iota
	Fetching
	Cached
)

func (s SegmentState) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Cached:
		return "cached"
	default:
		return "uncached"
	}
}

// Ticket identifies one navigation. A result is only displayed if its
// ticket is still the latest when it arrives.
type Ticket struct {
	Index int
	gen   uint64
}

// View is what the reader currently sees for the selected segment.
type View struct {
	Index    int
	Location string
	// Analysis is nil while loading or after a failed fetch.
	Analysis *SegmentAnalysis
	Loading  bool
	Err      error
}

func (v View) clone() View {
	if v.Analysis != nil {
		a := v.Analysis.clone()
		v.Analysis = &a
	}
	return v
}

// Options configures a Controller.
type Options struct {
	// Filters defaults to extract.DefaultFilters when nil.
	Filters *extract.Filters
	Pricing Pricing
	// Timeout defaults to DefaultTimeout when zero or negative.
	Timeout         time.Duration
	DisablePrefetch bool
	Logger          *zap.Logger
	// OnChange is called outside the controller lock after the position or
	// the usage totals change.
	OnChange func()
	// Tags returns the tags a nugget id already carries elsewhere, such as
	// on a selected note. Fresh analyses take those tags over so they
	// survive re-extraction.
	Tags func(id string) ([]string, bool)
}

type fetchKey struct {
	epoch uint64
	index int
}

// Controller keeps the current segment analysed. It owns the analysis cache,
// deduplicates concurrent fetches of the same segment, prefetches one
// segment ahead and accumulates usage.
type Controller struct {
	doc      *reader.Document
	ex       extract.Extractor
	log      *zap.Logger
	timeout  time.Duration
	prefetch bool
	onChange func()
	tags     func(id string) ([]string, bool)

	group  singleflight.Group
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	cache        *Cache
	filters      extract.Filters
	pricing      Pricing
	index        int
	gen          uint64
	epoch        uint64
	fetching     map[fetchKey]struct{}
	prefetchBusy bool
	closed       bool
	// statsEpoch is the first epoch whose usage counts toward stats.
	statsEpoch uint64
	view       View
	stats        UsageStats
}

// NewController creates a controller positioned at segment 0 with nothing
// cached.
func NewController(doc *reader.Document, ex extract.Extractor, opts Options) *Controller {
	filters := extract.DefaultFilters()
	if opts.Filters != nil {
		filters = *opts.Filters
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		doc:      doc,
		ex:       ex,
		log:      log,
		timeout:  opts.Timeout,
		prefetch: !opts.DisablePrefetch,
		onChange: opts.OnChange,
		tags:     opts.Tags,
		ctx:      ctx,
		cancel:   cancel,
		cache:    NewCache(),
		filters:  filters,
		pricing:  opts.Pricing,
		fetching: make(map[fetchKey]struct{}),
	}
	c.view = c.viewFor(0)
	return c
}

func (c *Controller) Document() *reader.Document { return c.doc }

// Index returns the current segment index.
func (c *Controller) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Current returns the current view.
func (c *Controller) Current() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// Ticket returns the ticket of the latest navigation.
func (c *Controller) Ticket() Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Ticket{Index: c.index, gen: c.gen}
}

// State reports the analysis state of segment index under the current filters.
func (c *Controller) State(index int) SegmentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked(index)
}

func (c *Controller) stateLocked(index int) SegmentState {
	if c.cache.Has(index) {
		return Cached
	}
	if _, ok := c.fetching[fetchKey{c.epoch, index}]; ok {
		return Fetching
	}
	return Uncached
}

// Analysis returns the cached analysis for index.
func (c *Controller) Analysis(index int) (SegmentAnalysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(index)
}

// Nugget finds a nugget by id in the cache.
func (c *Controller) Nugget(id string) (Nugget, bool) {
	seg, ok := SegmentOf(id)
	if !ok {
		return Nugget{}, false
	}
	a, ok := c.Analysis(seg)
	if !ok {
		return Nugget{}, false
	}
	return a.Nugget(id)
}

// Goto moves to index and shows the cached analysis, or a loading view when
// the segment still has to be analysed. Pass the ticket to Resolve.
func (c *Controller) Goto(index int) (Ticket, error) {
	c.mu.Lock()
	if index < 0 || index >= c.doc.Len() {
		c.mu.Unlock()
		return Ticket{}, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, c.doc.Len())
	}
	c.index = index
	c.gen++
	t := Ticket{Index: index, gen: c.gen}
	c.view = c.viewFor(index)
	c.mu.Unlock()

	c.changed()
	return t, nil
}

func (c *Controller) viewFor(index int) View {
	_, location, _ := c.doc.Segment(index)
	v := View{Index: index, Location: location}
	if a, ok := c.cache.Get(index); ok {
		v.Analysis = &a
	} else {
		v.Loading = true
	}
	return v
}

// Resolve makes sure the ticket's segment is analysed, joining an in-flight
// fetch when there is one. The result is cached regardless, but only shown
// if no newer navigation happened meanwhile; otherwise ErrStale is returned.
func (c *Controller) Resolve(ctx context.Context, t Ticket) (View, error) {
	a, err := c.fetch(ctx, t.Index)

	c.mu.Lock()
	defer c.mu.Unlock()
	if t.gen != c.gen {
		return c.view.clone(), ErrStale
	}
	_, location, _ := c.doc.Segment(t.Index)
	if err != nil {
		c.view = View{Index: t.Index, Location: location, Err: err}
		return c.view.clone(), err
	}
	c.view = View{Index: t.Index, Location: location, Analysis: &a}
	return c.view.clone(), nil
}

// Navigate moves to index, waits for its analysis and then starts a
// background prefetch of the following segment.
func (c *Controller) Navigate(ctx context.Context, index int) (View, error) {
	t, err := c.Goto(index)
	if err != nil {
		return View{}, err
	}
	return c.Await(ctx, t)
}

// Await resolves t and, once its segment is shown, prefetches the next one
// in the background.
func (c *Controller) Await(ctx context.Context, t Ticket) (View, error) {
	v, err := c.Resolve(ctx, t)
	if err != nil {
		return v, err
	}
	c.prefetchAsync(t.Index + 1)
	return v, nil
}

// Prefetch analyses index speculatively and reports whether a fetch was
// attempted. It is dropped when another prefetch is running, or when the
// segment is cached, being fetched or out of range. Failures are logged.
func (c *Controller) Prefetch(ctx context.Context, index int) bool {
	if !c.claimPrefetch(index, false) {
		return false
	}
	c.runPrefetch(ctx, index)
	return true
}

func (c *Controller) prefetchAsync(index int) {
	if !c.claimPrefetch(index, true) {
		return
	}
	go func() {
		defer c.wg.Done()
		c.runPrefetch(c.ctx, index)
	}()
}

// claimPrefetch takes the busy flag. Background claims join the WaitGroup
// under the lock so Close cannot miss them.
func (c *Controller) claimPrefetch(index int, background bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.prefetch || c.closed || c.prefetchBusy || index < 0 || index >= c.doc.Len() {
		return false
	}
	if c.stateLocked(index) != Uncached {
		return false
	}
	c.prefetchBusy = true
	if background {
		c.wg.Add(1)
	}
	return true
}

func (c *Controller) runPrefetch(ctx context.Context, index int) {
	defer func() {
		c.mu.Lock()
		c.prefetchBusy = false
		c.mu.Unlock()
	}()
	if _, err := c.fetch(ctx, index); err != nil {
		c.log.Warn("Prefetch failed", zap.Int("segment", index), zap.Error(err))
		return
	}
	c.log.Debug("Prefetched segment", zap.Int("segment", index))
}

// Wait blocks until background prefetches finish.
func (c *Controller) Wait() { c.wg.Wait() }

// Close cancels background prefetches and waits for them.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

// fetch returns the analysis for index, issuing at most one extraction per
// index and cache epoch.
func (c *Controller) fetch(ctx context.Context, index int) (SegmentAnalysis, error) {
	c.mu.Lock()
	if a, ok := c.cache.Get(index); ok {
		c.mu.Unlock()
		return a, nil
	}
	epoch, filters := c.epoch, c.filters
	c.mu.Unlock()

	v, err, _ := c.group.Do(fmt.Sprintf("%d/%d", epoch, index), func() (any, error) {
		return c.extract(ctx, index, epoch, filters)
	})
	if err != nil {
		return SegmentAnalysis{}, err
	}
	return v.(SegmentAnalysis).clone(), nil
}

func (c *Controller) extract(ctx context.Context, index int, epoch uint64, filters extract.Filters) (SegmentAnalysis, error) {
	key := fetchKey{epoch, index}

	c.mu.Lock()
	if epoch == c.epoch {
		// A previous flight may have completed between the cache check and Do.
		if a, ok := c.cache.Get(index); ok {
			c.mu.Unlock()
			return a, nil
		}
	}
	c.fetching[key] = struct{}{}
	c.mu.Unlock()

	text, location, _ := c.doc.Segment(index)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	res, err := c.ex.Extract(ctx, extract.Request{
		Text:     text,
		Index:    index,
		Location: location,
		Filters:  filters,
	})

	c.mu.Lock()
	if err != nil {
		delete(c.fetching, key)
		c.mu.Unlock()
		c.log.Warn("Extraction failed",
			zap.Int("segment", index),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return SegmentAnalysis{}, err
	}
	// Usage of a fetch that began before a Reset is not counted.
	if epoch >= c.statsEpoch {
		c.stats.add(res.Usage, c.pricing)
	}
	c.mu.Unlock()

	a := newAnalysis(index, location, res, filters)
	c.carryTags(&a)

	c.mu.Lock()
	delete(c.fetching, key)
	// Results of a fetch that began before a filter change are not cached.
	current := epoch == c.epoch
	if current {
		c.cache.Put(index, a)
	}
	c.mu.Unlock()

	c.log.Debug("Analysed segment",
		zap.Int("segment", index),
		zap.Int("nuggets", len(a.Nuggets)),
		zap.Bool("back_matter", a.IsBackMatter),
		zap.Bool("front_matter", a.IsFrontMatter),
		zap.Bool("cached", current),
		zap.Duration("elapsed", time.Since(start)))
	c.changed()
	return a, nil
}

// Filters returns the active filters.
func (c *Controller) Filters() extract.Filters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters
}

// SetFilters replaces the filters. A change clears the whole cache and puts
// the current segment back into loading; Resolve the returned ticket to
// analyse it again. It reports whether anything changed.
func (c *Controller) SetFilters(f extract.Filters) (Ticket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f == c.filters {
		return Ticket{Index: c.index, gen: c.gen}, false
	}
	c.filters = f
	c.invalidateLocked()
	c.log.Info("Filters changed", zap.Stringer("filters", f))
	return Ticket{Index: c.index, gen: c.gen}, true
}

func (c *Controller) invalidateLocked() {
	c.cache.Clear()
	c.epoch++
	c.gen++
	c.view = c.viewFor(c.index)
}

func (c *Controller) ToggleBackMatter() (Ticket, bool) {
	f := c.Filters()
	f.IncludeBackMatter = !f.IncludeBackMatter
	return c.SetFilters(f)
}

func (c *Controller) ToggleFrontMatter() (Ticket, bool) {
	f := c.Filters()
	f.IncludeFrontMatter = !f.IncludeFrontMatter
	return c.SetFilters(f)
}

func (c *Controller) ToggleType(t extract.NuggetType) (Ticket, bool) {
	f := c.Filters()
	f.Types = f.Types.Toggle(t)
	return c.SetFilters(f)
}

// Stats returns the accumulated usage.
func (c *Controller) Stats() UsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// RestoreStats replaces the totals with a persisted snapshot.
func (c *Controller) RestoreStats(s UsageStats) {
	c.mu.Lock()
	c.stats = s
	c.mu.Unlock()
}

// AddUsage records usage from a call made outside the controller.
func (c *Controller) AddUsage(u extract.Usage) {
	c.mu.Lock()
	c.stats.add(u, c.pricing)
	c.mu.Unlock()
	c.changed()
}

// SetNuggetTags replaces the tags of a cached nugget. It reports false when
// the nugget's segment is not cached or holds no such nugget.
func (c *Controller) SetNuggetTags(id string, tags []string) bool {
	seg, ok := SegmentOf(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	updated := c.cache.Update(seg, func(a *SegmentAnalysis) bool {
		for i := range a.Nuggets {
			if a.Nuggets[i].ID == id {
				a.Nuggets[i].Tags = cloneTags(tags)
				return true
			}
		}
		return false
	})
	if updated && c.view.Index == seg && c.view.Analysis != nil {
		if a, ok := c.cache.Get(seg); ok {
			c.view.Analysis = &a
		}
	}
	return updated
}

// Reset drops every analysis and the usage totals and returns to segment 0.
func (c *Controller) Reset() Ticket {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = UsageStats{}
	c.index = 0
	c.invalidateLocked()
	c.statsEpoch = c.epoch
	return Ticket{Index: c.index, gen: c.gen}
}

// carryTags copies known tags onto the nuggets of a fresh analysis.
func (c *Controller) carryTags(a *SegmentAnalysis) {
	if c.tags == nil {
		return
	}
	for i := range a.Nuggets {
		if tags, ok := c.tags(a.Nuggets[i].ID); ok {
			a.Nuggets[i].Tags = cloneTags(tags)
		}
	}
}

// changed runs the change hook unless the controller is closed.
func (c *Controller) changed() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if c.onChange != nil && !closed {
		c.onChange()
	}
}
