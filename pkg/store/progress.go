package store

// ProgressFunc reports progress of a long-running operation (Refresh,
// Defragment). Sweep and Check take no ProgressFunc and report no
// progress. done and total are record counts; total may be zero if it is
// not known in advance.
type ProgressFunc func(done, total int64)

func reportProgress(fn ProgressFunc, done, total int64) {
	if fn != nil {
		fn(done, total)
	}
}
