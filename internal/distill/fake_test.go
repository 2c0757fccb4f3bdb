package distill

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/metcalfc/distill/internal/extract"
	"github.com/metcalfc/distill/internal/reader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Started by the opencensus package init pulled in through genai.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func testDoc(n int) *reader.Document {
	doc := &reader.Document{Title: "Meditations"}
	for i := 0; i < n; i++ {
		doc.Segments = append(doc.Segments, fmt.Sprintf("text of segment %d", i))
		doc.Locations = append(doc.Locations, fmt.Sprintf("Book %d", i+1))
	}
	return doc
}

// fakeExtractor answers every segment with one nugget of each type. Segments
// with a gate block until the gate is closed or the context ends.
type fakeExtractor struct {
	mu      sync.Mutex
	calls   []extract.Request
	gates   map[int]chan struct{}
	started chan int
	respond func(req extract.Request) (extract.Result, error)
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{
		gates:   make(map[int]chan struct{}),
		started: make(chan int, 64),
	}
}

func (f *fakeExtractor) gate(index int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := make(chan struct{})
	f.gates[index] = g
	return g
}

func (f *fakeExtractor) Extract(ctx context.Context, req extract.Request) (extract.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	gate := f.gates[req.Index]
	respond := f.respond
	f.mu.Unlock()

	f.started <- req.Index
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return extract.Result{}, ctx.Err()
		}
	}
	if respond != nil {
		return respond(req)
	}
	return defaultResult(req), nil
}

func (f *fakeExtractor) callsFor(index int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Index == index {
			n++
		}
	}
	return n
}

func (f *fakeExtractor) lastRequest() extract.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func defaultResult(req extract.Request) extract.Result {
	return extract.Result{
		Title: fmt.Sprintf("Chapter %d", req.Index),
		Nuggets: []extract.RawNugget{
			{ID: "n0", Type: extract.Quote, Content: fmt.Sprintf("quote %d", req.Index)},
			{ID: "n1", Type: extract.Learning, Content: fmt.Sprintf("learning %d", req.Index)},
			{ID: "n2", Type: extract.Insight, Content: fmt.Sprintf("insight %d", req.Index)},
		},
		Usage: extract.Usage{InputTokens: 1000, OutputTokens: 200},
	}
}

type fakeSearcher struct {
	mu   sync.Mutex
	reqs []extract.SearchRequest
	res  extract.SearchResult
	err  error
}

func (f *fakeSearcher) Search(_ context.Context, req extract.SearchRequest) (extract.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}
