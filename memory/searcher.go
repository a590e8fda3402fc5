package memory

import (
	"context"
	"strings"
	"time"
)

// Operations understood by SimulatedSearcher.
const (
	OpSearch = "search"
	OpExpand = "expand"
)

// Request is one unit of work on the queue. Depth is threaded from the
// request that produced it.
type Request struct {
	Operation string `json:"operation"`
	Query     string `json:"query"`
	Depth     int    `json:"depth"`
}

// Result is what a Searcher returns for one Request.
type Result struct {
	Results  []string `json:"results,omitempty"`
	Expanded string   `json:"expanded,omitempty"`

	// Continue and Recurse are hints that the backend would like another
	// round. The service only acts on FollowUps; the hints feed the
	// "might trigger loop" check.
	Continue bool `json:"continue,omitempty"`
	Recurse  bool `json:"recurse,omitempty"`

	// FollowUps are queued at Depth+1 of the request that produced them.
	FollowUps []Request `json:"follow_ups,omitempty"`
}

// Searcher performs the real memory or graph operation.
type Searcher interface {
	Search(ctx context.Context, req Request) (Result, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, req Request) (Result, error)

// Search calls f.
func (f SearcherFunc) Search(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// SimulatedSearcher is an in-process backend for demos and tests.
//
// A search whose query contains "recursive" asks for a search of
// "<query>_expanded" one level deeper, until RecurseBelow. An expand returns
// "<query>_expanded" and sets Continue while the depth is below
// ContinueBelow; when FollowContinue is set it also queues that expansion.
type SimulatedSearcher struct {
	Delay          time.Duration
	RecurseBelow   int
	ContinueBelow  int
	FollowContinue bool
}

// NewSimulatedSearcher returns a SimulatedSearcher with the demo limits.
func NewSimulatedSearcher() *SimulatedSearcher {
	return &SimulatedSearcher{RecurseBelow: 3, ContinueBelow: 2}
}

// Search implements Searcher.
func (s *SimulatedSearcher) Search(ctx context.Context, req Request) (Result, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	switch req.Operation {
	case OpSearch:
		if strings.Contains(strings.ToLower(req.Query), "recursive") && req.Depth < s.RecurseBelow {
			return Result{
				Results: []string{"main_result"},
				FollowUps: []Request{{
					Operation: OpSearch,
					Query:     req.Query + "_expanded",
				}},
			}, nil
		}
		return Result{Results: []string{"result_for_" + req.Query}}, nil

	case OpExpand:
		res := Result{
			Expanded: req.Query + "_expanded",
			Continue: req.Depth < s.ContinueBelow,
		}
		if res.Continue && s.FollowContinue {
			res.FollowUps = []Request{{Operation: OpExpand, Query: res.Expanded}}
		}
		return res, nil

	default:
		return Result{Results: []string{req.Query}}, nil
	}
}
