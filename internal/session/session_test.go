package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/metcalfc/distill/internal/distill"
	"github.com/metcalfc/distill/internal/extract"
	"github.com/metcalfc/distill/internal/reader"
	"github.com/metcalfc/distill/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by the opencensus package init pulled in through genai.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type scriptedExtractor struct {
	mu    sync.Mutex
	calls int
}

func (e *scriptedExtractor) Extract(_ context.Context, req extract.Request) (extract.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	res := extract.Result{
		Title: fmt.Sprintf("Chapter %d", req.Index),
		Usage: extract.Usage{InputTokens: 800, OutputTokens: 100},
	}
	quote := fmt.Sprintf("quote %d", req.Index)
	if req.Index == 2 {
		quote = "X"
	}
	for _, n := range []extract.RawNugget{
		{ID: "n0", Type: extract.Quote, Content: quote},
		{ID: "n1", Type: extract.Learning, Content: fmt.Sprintf("learning %d", req.Index)},
		{ID: "n2", Type: extract.Insight, Content: fmt.Sprintf("insight %d", req.Index)},
	} {
		if req.Filters.Types.Has(n.Type) {
			res.Nuggets = append(res.Nuggets, n)
		}
	}
	return res, nil
}

func (e *scriptedExtractor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type stubSearcher struct {
	res extract.SearchResult
	err error
}

func (s stubSearcher) Search(context.Context, extract.SearchRequest) (extract.SearchResult, error) {
	return s.res, s.err
}

func testDoc(n int) *reader.Document {
	doc := &reader.Document{Title: "Meditations"}
	for i := 0; i < n; i++ {
		doc.Segments = append(doc.Segments, fmt.Sprintf("segment %d", i))
		doc.Locations = append(doc.Locations, fmt.Sprintf("Book %d", i+1))
	}
	return doc
}

func openSession(t *testing.T, store state.Store, opts Options) (*Session, *scriptedExtractor) {
	t.Helper()
	ex := &scriptedExtractor{}
	opts.Store = store
	opts.Controller.DisablePrefetch = true
	s := Open(testDoc(7), ex, opts)
	t.Cleanup(s.Close)
	return s, ex
}

func newStore(t *testing.T) state.Store {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestExportSelectedQuote(t *testing.T) {
	s, _ := openSession(t, nil, Options{})
	ctx := context.Background()

	_, err := s.Navigate(ctx, 2)
	require.NoError(t, err)
	selected, err := s.Toggle("c2_n0")
	require.NoError(t, err)
	require.True(t, selected)

	var buf bytes.Buffer
	require.NoError(t, s.Export(&buf))
	out := buf.String()

	heading := strings.Index(out, "## Chapter 2")
	quote := strings.Index(out, "> X")
	require.GreaterOrEqual(t, heading, 0, out)
	require.Greater(t, quote, heading, out)
}

func TestTagsStayInSync(t *testing.T) {
	s, ex := openSession(t, nil, Options{})
	ctx := context.Background()

	_, err := s.Navigate(ctx, 0)
	require.NoError(t, err)
	_, err = s.Toggle("c0_n0")
	require.NoError(t, err)
	calls := ex.count()

	require.NoError(t, s.AddTag("c0_n0", " #philosophy"))

	cached, ok := s.Controller().Nugget("c0_n0")
	require.True(t, ok)
	assert.Equal(t, []string{"philosophy"}, cached.Tags)
	note := s.Notes()[0]
	assert.Equal(t, []string{"philosophy"}, note.Tags)
	assert.Equal(t, []string{"philosophy"}, s.Current().Analysis.Nuggets[0].Tags)
	assert.Equal(t, calls, ex.count(), "tagging must not extract")

	// Duplicate is a no-op, case matters.
	require.NoError(t, s.AddTag("c0_n0", "philosophy"))
	require.NoError(t, s.AddTag("c0_n0", "Philosophy"))
	assert.Equal(t, []string{"philosophy", "Philosophy"}, s.Tags("c0_n0"))

	require.NoError(t, s.RemoveTag("c0_n0", "#philosophy"))
	assert.Equal(t, []string{"Philosophy"}, s.Notes()[0].Tags)
	cached, _ = s.Controller().Nugget("c0_n0")
	assert.Equal(t, []string{"Philosophy"}, cached.Tags)

	assert.ErrorIs(t, s.AddTag("c0_n0", "  # "), distill.ErrEmptyTag)
	assert.ErrorIs(t, s.AddTag("c5_n0", "x"), distill.ErrNuggetNotFound)
}

func TestTagUnselectedCachedNugget(t *testing.T) {
	s, _ := openSession(t, nil, Options{})

	_, err := s.Navigate(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, s.AddTag("c1_n1", "habits"))

	_, err = s.Toggle("c1_n1")
	require.NoError(t, err)
	assert.Equal(t, []string{"habits"}, s.Notes()[0].Tags, "selection carries the cached tags")
}

func TestToggleUnknownNugget(t *testing.T) {
	s, _ := openSession(t, nil, Options{})

	_, err := s.Toggle("c3_n0")
	assert.ErrorIs(t, err, distill.ErrNuggetNotFound, "segment not analysed")

	_, err = s.Navigate(context.Background(), 0)
	require.NoError(t, err)
	_, err = s.Toggle("c0_n7")
	assert.ErrorIs(t, err, distill.ErrNuggetNotFound)
	_, err = s.Toggle("bogus")
	assert.ErrorIs(t, err, distill.ErrNuggetNotFound)
}

func TestNotesSurviveFilterChange(t *testing.T) {
	s, _ := openSession(t, nil, Options{})
	ctx := context.Background()

	_, err := s.Navigate(ctx, 0)
	require.NoError(t, err)
	_, err = s.Toggle("c0_n2")
	require.NoError(t, err)

	ticket, changed := s.Controller().ToggleType(extract.Insight)
	require.True(t, changed)
	v, err := s.Controller().Resolve(ctx, ticket)
	require.NoError(t, err)
	_, present := v.Analysis.Nugget("c0_n2")
	assert.False(t, present)

	require.Len(t, s.Notes(), 1)
	assert.Equal(t, "c0_n2", s.Notes()[0].ID)

	// Deselecting still works from the ledger alone.
	selected, err := s.Toggle("c0_n2")
	require.NoError(t, err)
	assert.False(t, selected)
	assert.Empty(t, s.Notes())
}

func TestNoteTagsSurviveReanalysis(t *testing.T) {
	s, _ := openSession(t, nil, Options{})
	ctx := context.Background()

	_, err := s.Navigate(ctx, 0)
	require.NoError(t, err)
	_, err = s.Toggle("c0_n0")
	require.NoError(t, err)
	require.NoError(t, s.AddTag("c0_n0", "philosophy"))

	ticket, changed := s.Controller().ToggleBackMatter()
	require.True(t, changed)
	view, err := s.Controller().Resolve(ctx, ticket)
	require.NoError(t, err)
	require.NotNil(t, view.Analysis)

	cached, ok := s.Controller().Nugget("c0_n0")
	require.True(t, ok)
	assert.Equal(t, []string{"philosophy"}, cached.Tags)
	assert.True(t, s.Selected("c0_n0"))
	for _, n := range view.Analysis.Nuggets {
		if n.ID == "c0_n0" {
			assert.Equal(t, []string{"philosophy"}, n.Tags)
		}
	}
	assert.Equal(t, []string{"philosophy"}, s.Tags("c0_n0"))
}

func TestRestoredNoteTagsReachFreshAnalysis(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	s1, _ := openSession(t, store, Options{})
	_, err := s1.Navigate(ctx, 0)
	require.NoError(t, err)
	_, err = s1.Toggle("c0_n0")
	require.NoError(t, err)
	require.NoError(t, s1.AddTag("c0_n0", "stoic"))
	s1.Close()

	s2, _ := openSession(t, store, Options{})
	require.True(t, s2.Restored())
	_, err = s2.Navigate(ctx, 0)
	require.NoError(t, err)

	cached, ok := s2.Controller().Nugget("c0_n0")
	require.True(t, ok)
	assert.True(t, s2.Selected("c0_n0"))
	assert.Equal(t, []string{"stoic"}, cached.Tags)
}

func TestSessionPersistsAndRestores(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	s1, _ := openSession(t, store, Options{})
	assert.False(t, s1.Restored())
	_, err := s1.Navigate(ctx, 3)
	require.NoError(t, err)
	_, err = s1.Toggle("c3_n1")
	require.NoError(t, err)
	require.NoError(t, s1.AddTag("c3_n1", "practice"))
	stats := s1.Stats()
	s1.Close()

	snap, ok, err := store.Load(state.Key("Meditations"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, snap.ChapterIndex)

	s2, ex := openSession(t, store, Options{})
	assert.True(t, s2.Restored())
	assert.Equal(t, 3, s2.Controller().Index())
	assert.Equal(t, stats, s2.Stats())
	require.Len(t, s2.Notes(), 1)
	assert.Equal(t, []string{"practice"}, s2.Notes()[0].Tags)
	assert.True(t, s2.Current().Loading)
	assert.Equal(t, 0, ex.count())

	s3, _ := openSession(t, store, Options{Fresh: true})
	assert.False(t, s3.Restored())
	assert.Equal(t, 0, s3.Controller().Index())
	assert.Empty(t, s3.Notes())
}

func TestRestoreClampsIndex(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(state.Key("Meditations"), state.Snapshot{ChapterIndex: 99}))

	s, _ := openSession(t, store, Options{})
	assert.Equal(t, 6, s.Controller().Index())
}

func TestDiscardDeletesSnapshot(t *testing.T) {
	store := newStore(t)
	s, _ := openSession(t, store, Options{})

	_, err := s.Navigate(context.Background(), 0)
	require.NoError(t, err)
	_, err = s.Toggle("c0_n0")
	require.NoError(t, err)
	_, ok, _ := store.Load(s.Key())
	require.True(t, ok)

	require.NoError(t, s.Discard())
	_, ok, _ = store.Load(s.Key())
	assert.False(t, ok)

	// Later changes are not written back.
	_, err = s.Toggle("c0_n0")
	require.NoError(t, err)
	_, ok, _ = store.Load(s.Key())
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	store := newStore(t)
	s, _ := openSession(t, store, Options{})

	_, err := s.Navigate(context.Background(), 2)
	require.NoError(t, err)
	_, err = s.Toggle("c2_n0")
	require.NoError(t, err)

	ticket, err := s.Reset()
	require.NoError(t, err)
	assert.Equal(t, 0, ticket.Index)
	assert.Empty(t, s.Notes())
	assert.Equal(t, distill.UsageStats{}, s.Stats())
	assert.Equal(t, distill.Uncached, s.Controller().State(2))
	_, ok, _ := store.Load(s.Key())
	assert.False(t, ok)
}

func TestSearchSelectsMatch(t *testing.T) {
	store := newStore(t)
	searcher := stubSearcher{res: extract.SearchResult{
		Found:   true,
		Content: "Loss is nothing else but change.",
		Type:    extract.Insight,
		Usage:   extract.Usage{InputTokens: 3000, OutputTokens: 40},
	}}
	s, _ := openSession(t, store, Options{Searcher: searcher})
	ctx := context.Background()

	_, err := s.Navigate(ctx, 4)
	require.NoError(t, err)
	_, err = s.Toggle("c4_n1")
	require.NoError(t, err)
	before := s.Stats()

	note, found, err := s.Search(ctx, "change")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, strings.HasPrefix(note.ID, "c4_search_"))
	assert.Equal(t, "Chapter 4", note.ChapterTitle)
	assert.Equal(t, 4, note.ChapterIndex)
	assert.Equal(t, before.TotalInputTokens+3000, s.Stats().TotalInputTokens)

	notes := s.Notes()
	require.Len(t, notes, 2)
	assert.Equal(t, "c4_n1", notes[0].ID)
	assert.Equal(t, note.ID, notes[1].ID, "search results sort after extracted nuggets")

	snap, _, _ := store.Load(s.Key())
	assert.Len(t, snap.Notes, 2)
}

func TestSearchFailureLeavesStateIntact(t *testing.T) {
	searcher := stubSearcher{err: &extract.ServiceError{Provider: "fake", Op: "search", Err: errors.New("timeout")}}
	s, _ := openSession(t, nil, Options{Searcher: searcher})

	_, found, err := s.Search(context.Background(), "anything")
	var se *extract.ServiceError
	assert.ErrorAs(t, err, &se)
	assert.False(t, found)
	assert.Empty(t, s.Notes())

	_, _, err = s.Search(context.Background(), "  ")
	assert.ErrorIs(t, err, distill.ErrEmptyQuery)
}

type failingStore struct{ state.Store }

func (failingStore) Load(string) (state.Snapshot, bool, error) {
	return state.Snapshot{}, false, &state.StorageError{Op: "load", Err: errors.New("disk gone")}
}

func (failingStore) Save(key string, _ state.Snapshot) error {
	return &state.StorageError{Op: "save", Key: key, Err: errors.New("disk gone")}
}

func TestStorageErrorsAreIgnored(t *testing.T) {
	s, _ := openSession(t, failingStore{}, Options{})

	_, err := s.Navigate(context.Background(), 0)
	require.NoError(t, err)
	selected, err := s.Toggle("c0_n0")
	require.NoError(t, err)
	assert.True(t, selected)
}
