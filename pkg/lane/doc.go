// Package lane runs a partition's bookkeeping on a single sequential task queue.
//
// Every partition owns exactly one Lane. Tasks submitted to it run one at a
// time, in submission order, on the lane goroutine, so state that is only
// touched from lane tasks needs no locking. Blocking work (disk copies,
// waiting on collaborators) never runs on the lane: it runs on its own
// goroutine and hops back with Submit when it needs lane-owned state.
//
// Results travel through Future, which is completed exactly once and can be
// awaited with a context or observed with OnComplete.
//
//	l := lane.New("partition-1", logger)
//	l.Start()
//	defer l.Stop()
//
//	f := lane.Call(l, func() (int64, error) { return awaiter.CommitPosition(), nil })
//	pos, err := f.Wait(ctx)
package lane
