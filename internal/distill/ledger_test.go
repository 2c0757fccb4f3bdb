package distill

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metcalfc/distill/internal/extract"
)

func nugget(id string, sortIndex int) Nugget {
	return Nugget{ID: id, Type: extract.Quote, Content: "content " + id, SortIndex: sortIndex, Tags: []string{}}
}

func noteIDs(notes []Note) []string {
	ids := make([]string, len(notes))
	for i, n := range notes {
		ids[i] = n.ID
	}
	return ids
}

func TestLedgerOrdering(t *testing.T) {
	l := NewLedger()
	l.Toggle(nugget("c2_n1", 1), "Two", 2)
	l.Toggle(nugget("c0_n3", 3), "Zero", 0)
	l.Toggle(nugget("c2_n0", 0), "Two", 2)
	l.Toggle(nugget("c0_search_x", SearchSortIndex), "Zero", 0)
	l.Toggle(nugget("c0_n1", 1), "Zero", 0)

	want := []string{"c0_n1", "c0_n3", "c0_search_x", "c2_n0", "c2_n1"}
	if diff := cmp.Diff(want, noteIDs(l.Notes())); diff != "" {
		t.Errorf("ledger order mismatch (-want +got):\n%s", diff)
	}
}

func TestLedgerTiesKeepInsertionOrder(t *testing.T) {
	l := NewLedger()
	l.Toggle(nugget("c1_a", 0), "One", 1)
	l.Toggle(nugget("c1_b", 0), "One", 1)
	l.Toggle(nugget("c1_c", 0), "One", 1)

	if diff := cmp.Diff([]string{"c1_a", "c1_b", "c1_c"}, noteIDs(l.Notes())); diff != "" {
		t.Errorf("tie order mismatch (-want +got):\n%s", diff)
	}
}

func TestLedgerToggleIsInvolution(t *testing.T) {
	l := NewLedger()
	l.Toggle(nugget("c0_n0", 0), "Zero", 0)
	l.Toggle(nugget("c3_n2", 2), "Three", 3)
	l.Toggle(nugget("c1_n1", 1), "One", 1)
	before := l.Notes()

	cases := []struct {
		n     Nugget
		title string
		index int
	}{
		{nugget("c2_n0", 0), "Two", 2},
		{nugget("c0_n0", 0), "Zero", 0},
		{nugget("c3_n2", 2), "Three", 3},
	}
	for _, tc := range cases {
		first := l.Toggle(tc.n, tc.title, tc.index)
		second := l.Toggle(tc.n, tc.title, tc.index)
		assert.NotEqual(t, first, second)
		if diff := cmp.Diff(before, l.Notes()); diff != "" {
			t.Errorf("toggling %s twice changed the ledger (-before +after):\n%s", tc.n.ID, diff)
		}
	}
}

func TestLedgerToggleRemovesByID(t *testing.T) {
	l := NewLedger()
	assert.True(t, l.Toggle(nugget("c0_n0", 0), "Zero", 0))
	assert.True(t, l.Has("c0_n0"))

	// Same id with different content still deselects.
	other := nugget("c0_n0", 0)
	other.Content = "re-extracted"
	assert.False(t, l.Toggle(other, "Zero", 0))
	assert.False(t, l.Has("c0_n0"))
	assert.Equal(t, 0, l.Len())
}

func TestLedgerSetTags(t *testing.T) {
	l := NewLedger()
	l.Toggle(nugget("c0_n0", 0), "Zero", 0)

	tags := []string{"stoic"}
	require.True(t, l.SetTags("c0_n0", tags))
	tags[0] = "mutated"

	n, ok := l.Get("c0_n0")
	require.True(t, ok)
	assert.Equal(t, []string{"stoic"}, n.Tags)
	assert.False(t, l.SetTags("missing", tags))
}

func TestLedgerNotesAreCopies(t *testing.T) {
	l := NewLedger()
	l.Toggle(nugget("c0_n0", 0), "Zero", 0)

	notes := l.Notes()
	notes[0].Tags = append(notes[0].Tags, "leak")
	notes[0].Content = "leak"

	n, _ := l.Get("c0_n0")
	assert.Empty(t, n.Tags)
	assert.Equal(t, "content c0_n0", n.Content)
}

func TestLedgerRestore(t *testing.T) {
	l := NewLedger()
	l.Toggle(nugget("c9_n0", 0), "Nine", 9)

	l.Restore([]Note{
		{Nugget: nugget("c2_n0", 0), ChapterTitle: "Two", ChapterIndex: 2},
		{Nugget: nugget("c1_n0", 0), ChapterTitle: "One", ChapterIndex: 1},
		{Nugget: nugget("c2_n0", 0), ChapterTitle: "dup", ChapterIndex: 2},
		{Nugget: Nugget{}, ChapterTitle: "no id"},
	})

	if diff := cmp.Diff([]string{"c1_n0", "c2_n0"}, noteIDs(l.Notes())); diff != "" {
		t.Errorf("restored ledger mismatch (-want +got):\n%s", diff)
	}
	n, _ := l.Get("c2_n0")
	assert.Equal(t, "Two", n.ChapterTitle)

	l.Clear()
	assert.Equal(t, 0, l.Len())
}

func TestTagHelpers(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"philosophy", "philosophy"},
		{"  #philosophy ", "philosophy"},
		{"##double", "#double"},
		{"#", ""},
		{"   ", ""},
		{"Stoicism", "Stoicism"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeTag(tt.in), "NormalizeTag(%q)", tt.in)
	}

	tags, added := AddTag([]string{"a"}, "A")
	assert.True(t, added, "tags are case-sensitive")
	tags, added = AddTag(tags, "a")
	assert.False(t, added)
	assert.Equal(t, []string{"a", "A"}, tags)

	tags, removed := RemoveTag([]string{"x", "y", "z"}, "y")
	assert.True(t, removed)
	assert.Equal(t, []string{"x", "z"}, tags)
	_, removed = RemoveTag(tags, "Y")
	assert.False(t, removed)

	assert.Equal(t, []string{"stoic", "Stoic", "virtue"}, NormalizeTags([]string{"#stoic", "stoic", " Stoic", "", "virtue"}))
}

func TestClonedTagsStayEqual(t *testing.T) {
	for _, in := range [][]string{nil, {}, {"stoic"}} {
		got := cloneTags(in)
		require.NotNil(t, got, "cloneTags(%v)", in)
		assert.Len(t, got, len(in))
	}

	n := nugget("c0_n0", 0)
	assert.Equal(t, n, n.clone(), "a copy of a nugget without tags compares equal")
	data, err := json.Marshal(nugget("c0_n1", 1).clone())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tags":[]`)
}

func TestSegmentOf(t *testing.T) {
	tests := []struct {
		id   string
		want int
		ok   bool
	}{
		{"c0_n0", 0, true},
		{"c12_n3", 12, true},
		{"c4_search_8c1f", 4, true},
		{"n0", 0, false},
		{"c_n0", 0, false},
		{"cx_n0", 0, false},
		{"c3", 0, false},
		{"c-1_n0", 0, false},
	}
	for _, tt := range tests {
		got, ok := SegmentOf(tt.id)
		assert.Equal(t, tt.ok, ok, "SegmentOf(%q)", tt.id)
		assert.Equal(t, tt.want, got, "SegmentOf(%q)", tt.id)
	}
}

func TestNewAnalysis(t *testing.T) {
	res := extract.Result{
		Title: "Book One",
		Nuggets: []extract.RawNugget{
			{ID: "n0", Type: extract.Quote, Content: "a"},
			{ID: "", Type: extract.Learning, Content: "b"},
			{ID: "n0", Type: extract.Insight, Content: "c"},
			{ID: "n3", Type: extract.Insight, Content: "d"},
		},
	}

	a := newAnalysis(2, "Book One", res, extract.DefaultFilters())
	if diff := cmp.Diff([]string{"c2_n0", "c2_n1", "c2_n2", "c2_n3"}, nuggetIDs(a.Nuggets)); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
	for i, n := range a.Nuggets {
		assert.Equal(t, i, n.SortIndex)
		assert.Equal(t, "Book One", n.Location)
		assert.NotNil(t, n.Tags)
	}

	quotesOnly := extract.Filters{Types: extract.NewTypeSet(extract.Quote)}
	a = newAnalysis(2, "Book One", res, quotesOnly)
	require.Len(t, a.Nuggets, 1)
	assert.Equal(t, "c2_n0", a.Nuggets[0].ID)

	a = newAnalysis(2, "Book One", res, extract.Filters{})
	assert.Empty(t, a.Nuggets, "an empty type set requests nothing")
}

func nuggetIDs(ns []Nugget) []string {
	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = n.ID
	}
	return ids
}

func TestCache(t *testing.T) {
	c := NewCache()
	_, ok := c.Get(0)
	assert.False(t, ok)

	a := SegmentAnalysis{Title: "One", Nuggets: []Nugget{nugget("c0_n0", 0)}}
	c.Put(0, a)
	a.Nuggets[0].Content = "mutated after put"

	got, ok := c.Get(0)
	require.True(t, ok)
	assert.Equal(t, "content c0_n0", got.Nuggets[0].Content)

	got.Nuggets[0].Tags = append(got.Nuggets[0].Tags, "x")
	again, _ := c.Get(0)
	assert.Empty(t, again.Nuggets[0].Tags)

	assert.True(t, c.Update(0, func(a *SegmentAnalysis) bool {
		a.Title = "Updated"
		return true
	}))
	again, _ = c.Get(0)
	assert.Equal(t, "Updated", again.Title)
	assert.False(t, c.Update(1, func(*SegmentAnalysis) bool { return true }))

	c.Put(1, SegmentAnalysis{})
	assert.Equal(t, 2, c.Len())
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has(0))
}

func TestPricingFor(t *testing.T) {
	assert.Equal(t, DefaultPricing["gpt-4o-mini"], PricingFor("gpt-4o-mini"))
	assert.Equal(t, DefaultPricing["gpt-4o-mini"], PricingFor("gpt-4o-mini-2024-07-18"))
	assert.Equal(t, DefaultPricing["gemini-2.5-flash-lite"], PricingFor("gemini-2.5-flash-lite-001"))
	assert.Equal(t, Pricing{}, PricingFor("llama3.1"))
}
