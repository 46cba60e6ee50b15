// Package fetchcoord deduplicates concurrent remote fetches of the same
// blob: if two goroutines request the same digest while a fetch is
// already in flight, only one rsync invocation happens and both callers
// observe its result.
//
// This is deliberately not golang.org/x/sync/singleflight. singleflight
// holds its own internal lock for the duration of the call, which is fine
// when the grouped function is cheap, but here the "call" is a
// multi-second subprocess. The block store's read/write path already
// holds a node's bucket lock in rwhashes when it discovers a cache miss;
// calling out to the transport while holding that lock risks a lock-order
// inversion against a concurrent sync_node on the same node. Coordinator
// state is therefore kept in its own rwhashes.Map, with the digest's
// bucket lock released before the blocking fetch and re-acquired only to
// publish the result.
package fetchcoord

import (
	"context"
	"sync"

	"github.com/syncfs/syncfs/internal/digest"
	"github.com/syncfs/syncfs/internal/rwhashes"
)

// FetchFunc performs the actual remote fetch for a digest.
type FetchFunc func(ctx context.Context, d digest.Digest) error

type call struct {
	wg  sync.WaitGroup
	err error
}

// Coordinator deduplicates concurrent fetches by digest.
type Coordinator struct {
	inFlight *rwhashes.Map[digest.Digest, *call]
	fetch    FetchFunc
}

func digestBytes(d digest.Digest) []byte { return d[:] }

// New returns a Coordinator that performs uncoalesced fetches via fetch.
func New(fetch FetchFunc) *Coordinator {
	return &Coordinator{
		inFlight: rwhashes.NewBytesKeyed[digest.Digest, *call](6, digestBytes),
		fetch:    fetch,
	}
}

// Fetch ensures d has been fetched, coalescing concurrent callers for the
// same digest into a single underlying FetchFunc invocation.
func (c *Coordinator) Fetch(ctx context.Context, d digest.Digest) error {
	unlock, backing := c.inFlight.Lock(d)
	if existing, ok := backing[d]; ok {
		unlock()
		existing.wg.Wait()
		return existing.err
	}

	cl := &call{}
	cl.wg.Add(1)
	backing[d] = cl
	unlock() // release before the blocking transport call

	cl.err = c.fetch(ctx, d)
	cl.wg.Done()

	unlock2, backing2 := c.inFlight.Lock(d)
	delete(backing2, d)
	unlock2()

	return cl.err
}
