// Package transfer deduplicates concurrent fetches of the same data on one device.
//
// A Group maps each DataID being fetched to one in-flight call: the first caller runs the fetch, callers
// arriving while it runs wait for it and share its outcome. Entries are dropped as soon as the call returns,
// successful or not, so the map only ever holds the keys currently in flight.
package transfer

import (
	"strconv"
	"sync/atomic"

	"github.com/gomlx/devexec/datastore"
	"golang.org/x/sync/singleflight"
)

// Group of in-flight fetches, keyed by DataID. The zero value is ready to use.
type Group struct {
	flights singleflight.Group

	inFlight atomic.Int64
	started  atomic.Int64
	shared   atomic.Int64
}

// Do runs fetch for id, unless a fetch for the same id is already in flight, in which case it waits for that
// one and returns its error. shared reports whether the outcome was delivered to more than one caller.
//
// The fetch should re-check whether it is still needed: a caller can arrive just after a previous flight for the
// same id completed.
func (g *Group) Do(id datastore.DataID, fetch func() error) (shared bool, err error) {
	_, err, shared = g.flights.Do(strconv.FormatUint(uint64(id), 10), func() (any, error) {
		g.inFlight.Add(1)
		defer g.inFlight.Add(-1)
		g.started.Add(1)
		return nil, fetch()
	})
	if shared {
		g.shared.Add(1)
	}
	return shared, err
}

// InFlight returns the number of fetches currently running.
func (g *Group) InFlight() int {
	return int(g.inFlight.Load())
}

// Started returns the total number of fetches actually run (callers that waited on another fetch don't count).
func (g *Group) Started() int64 {
	return g.started.Load()
}

// Shared returns the number of callers that received an outcome shared with other callers.
func (g *Group) Shared() int64 {
	return g.shared.Load()
}
