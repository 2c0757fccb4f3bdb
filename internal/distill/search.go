package distill

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/metcalfc/distill/internal/extract"
)

// SearchSortIndex orders search results after every extracted nugget of
// their segment.
const SearchSortIndex = math.MaxInt32

// SearchRadius is how many segments on each side of the current one a deep
// search covers.
const SearchRadius = 2

// SearchWindow returns the inclusive range of segments searched around index
// in a document of n segments.
func SearchWindow(index, n int) (lo, hi int) {
	lo = max(0, index-SearchRadius)
	hi = min(n-1, index+SearchRadius)
	return lo, hi
}

// Search asks s for a passage matching query near the current segment. A
// match comes back as a nugget bound to the current segment. Results are
// never cached. Usage of successful calls is recorded.
func (c *Controller) Search(ctx context.Context, s extract.Searcher, query string) (Nugget, bool, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Nugget{}, false, ErrEmptyQuery
	}

	index := c.Index()
	lo, hi := SearchWindow(index, c.doc.Len())
	_, location, _ := c.doc.Segment(index)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	res, err := s.Search(ctx, extract.SearchRequest{
		Query:   query,
		Title:   c.doc.Title,
		Context: c.doc.Window(lo, hi),
	})
	if err != nil {
		c.log.Warn("Search failed", zap.String("query", query), zap.Int("segment", index), zap.Error(err))
		return Nugget{}, false, err
	}
	c.AddUsage(res.Usage)

	if !res.Found {
		c.log.Debug("Search found nothing", zap.String("query", query), zap.Int("from", lo), zap.Int("to", hi))
		return Nugget{}, false, nil
	}
	return Nugget{
		ID:        nuggetID(index, fmt.Sprintf("search_%s", uuid.NewString())),
		Type:      res.Type,
		Content:   res.Content,
		Source:    res.Source,
		Location:  location,
		SortIndex: SearchSortIndex,
		Tags:      []string{},
	}, true, nil
}
