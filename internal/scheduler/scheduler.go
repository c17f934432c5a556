// Package scheduler fans each partition's operations out across a bounded
// worker pool, joins them back with first-error-wins semantics, and runs
// each partition's post-processing pass exactly once, the instant its last
// operation finishes.
package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/otaxtract/otaxtract/internal/bulkmem"
	"github.com/otaxtract/otaxtract/internal/chromeos"
	"github.com/otaxtract/otaxtract/internal/errs"
	"github.com/otaxtract/otaxtract/internal/operation"
	"github.com/otaxtract/otaxtract/internal/sink"
)

// MinThreads and MaxThreads bound the configurable pool size; a value
// outside this range (including the zero value) falls back to GOMAXPROCS.
const (
	MinThreads = 1
	MaxThreads = 256
)

// PoolSize resolves a requested thread count into the worker count the
// scheduler will actually use.
func PoolSize(requested int) int {
	if requested < MinThreads || requested > MaxThreads {
		return runtime.GOMAXPROCS(0)
	}
	return requested
}

// Options configures one scheduler run.
type Options struct {
	Threads   int
	Verify    bool
	Strict    bool
	Sanity    bool
	PrintHash bool
	Stats     bool

	// OnOpComplete, if set, is called after each operation that actually
	// executes (not one skipped by cancellation), for progress reporting.
	OnOpComplete func(partitionName string)

	// Cancel, if set, is an externally-owned sticky flag (e.g. flipped by
	// a signal handler) that Run treats exactly like an internal failure:
	// every task still queued observes it and returns without running.
	// Run never clears it, and never allocates its own if one is given.
	Cancel *atomic.Bool
}

// Job is one partition's unit of work: the sink it writes into and the
// operations the manifest assigns to it, already validated non-overlapping
// by the Extent Validator.
type Job struct {
	Update      chromeos.PartitionUpdate
	Sink        *sink.Sink
	BlockSize   uint64
	PayloadData []byte

	// Order is this partition's rank in the selected, manifest-order
	// sequence. It has no bearing on scheduling (jobs still race each
	// other across the pool); it exists only so reports can be sorted
	// back into manifest order once every task has finished.
	Order int
}

// HashRecord is one partition's post-processing digest, reported when
// Options.PrintHash is set.
type HashRecord struct {
	PartitionName string
	Hex           string
	Order         int
}

// StatRecord is one partition's size and wall-clock duration, reported
// when Options.Stats is set.
type StatRecord struct {
	PartitionName string
	Bytes         uint64
	Elapsed       time.Duration
	Order         int
}

// Results collects everything post-processing produced, sorted into
// manifest order (Job.Order) regardless of the order tasks completed in.
type Results struct {
	Hashes []HashRecord
	Stats  []StatRecord
}

// partitionState is the per-partition bookkeeping a Run needs: the number
// of operations still outstanding, and where that partition's job started.
type partitionState struct {
	job       Job
	remaining atomic.Int64
	start     time.Time
}

// Run dispatches every job's operations onto a pool of PoolSize(opts.Threads)
// reused workers and blocks until all of them (or none, past the first
// failure) have completed. It returns the first error encountered, if any,
// classified via internal/errs so the caller can decide the process exit
// code; a cancellation observed mid-run surfaces the triggering error, not
// a generic "cancelled" wrapper, since that is more useful to the operator.
func Run(jobs []Job, opts Options) (*Results, error) {
	pool, err := ants.NewPool(PoolSize(opts.Threads))
	if err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "creating worker pool")
	}
	defer pool.Release()

	cancelled := opts.Cancel
	if cancelled == nil {
		cancelled = new(atomic.Bool)
	}
	var hashMu sync.Mutex
	var hashes []HashRecord
	var statsMu sync.Mutex
	var stats []StatRecord

	// firstErr holds the first error that is not a skipped task's
	// cancellation, so the triggering failure wins over the KindCancelled
	// errors of tasks that merely observed the flag.
	var firstMu sync.Mutex
	var firstErr error

	var g errgroup.Group
	now := time.Now()

	for _, job := range jobs {
		st := &partitionState{job: job, start: now}
		st.remaining.Store(int64(len(job.Update.Operations)))

		for i := range job.Update.Operations {
			op := &job.Update.Operations[i]
			g.Go(func() error {
				done := make(chan error, 1)
				submitErr := pool.Submit(func() {
					defer func() {
						if r := recover(); r != nil {
							cancelled.Store(true)
							done <- errs.New(errs.KindUnknown, "panic in operation task: %v", r)
						}
					}()
					done <- runOne(st, op, opts, cancelled, &hashMu, &hashes, &statsMu, &stats)
				})
				if submitErr != nil {
					return errs.Wrap(errs.KindIO, submitErr, "submitting task to worker pool")
				}
				err := <-done
				if err != nil && errs.KindOf(err) != errs.KindCancelled {
					firstMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					firstMu.Unlock()
				}
				return err
			})
		}
	}

	if werr := g.Wait(); werr != nil {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, werr
	}

	sort.Slice(hashes, func(i, j int) bool { return hashes[i].Order < hashes[j].Order })
	sort.Slice(stats, func(i, j int) bool { return stats[i].Order < stats[j].Order })

	return &Results{Hashes: hashes, Stats: stats}, nil
}

// runOne executes a single operation, then, if it was the last outstanding
// operation for its partition, runs that partition's post-processing pass.
// A task that observes cancellation before starting returns immediately
// without decrementing the counter: the partition it belongs to is already
// doomed, and its post-processing (which would only fire once every
// operation had in fact run) correctly never triggers.
func runOne(st *partitionState, op *chromeos.InstallOperation, opts Options,
	cancelled *atomic.Bool, hashMu *sync.Mutex, hashes *[]HashRecord,
	statsMu *sync.Mutex, stats *[]StatRecord) error {

	if cancelled.Load() {
		return errs.New(errs.KindCancelled, "extraction cancelled")
	}

	err := operation.Run(operation.Params{
		Op:            op,
		PayloadData:   st.job.PayloadData,
		Partition:     st.job.Sink.Bytes,
		PartitionName: st.job.Update.PartitionName,
		BlockSize:     st.job.BlockSize,
		Verify:        opts.Verify,
	})
	if err != nil {
		cancelled.Store(true)
		return err
	}

	if opts.OnOpComplete != nil {
		opts.OnOpComplete(st.job.Update.PartitionName)
	}

	if st.remaining.Add(-1) != 0 {
		return nil
	}

	// Last task for this partition: every task decremented remaining only
	// after its writes, and Go's atomics are sequentially consistent, so
	// every prior write into st.job.Sink.Bytes is visible to this
	// goroutine before it reads the mapping back below.
	return postProcess(st, opts, cancelled, hashMu, hashes, statsMu, stats)
}

func postProcess(st *partitionState, opts Options, cancelled *atomic.Bool,
	hashMu *sync.Mutex, hashes *[]HashRecord, statsMu *sync.Mutex, stats *[]StatRecord) error {

	name := st.job.Update.PartitionName
	data := st.job.Sink.Bytes

	var digest [32]byte
	haveDigest := false

	if opts.Verify {
		info := st.job.Update.NewPartitionInfo
		if info != nil && len(info.Hash) > 0 {
			digest = sha256.Sum256(data)
			haveDigest = true
			if !hashEqual(digest[:], info.Hash) {
				cancelled.Store(true)
				return errs.New(errs.KindHashMismatch,
					"partition %q: extracted data does not match new_partition_info hash", name)
			}
		} else if opts.Strict {
			cancelled.Store(true)
			return errs.New(errs.KindMissingHash,
				"partition %q: manifest carries no new_partition_info hash and --strict was given", name)
		}
	}

	if opts.Sanity && bulkmem.IsAllZero(data) {
		cancelled.Store(true)
		return errs.New(errs.KindSanityFailed,
			"partition %q: extracted output is entirely zero bytes", name)
	}

	if opts.PrintHash {
		if !haveDigest {
			digest = sha256.Sum256(data)
		}
		hashMu.Lock()
		*hashes = append(*hashes, HashRecord{PartitionName: name, Hex: hex.EncodeToString(digest[:]), Order: st.job.Order})
		hashMu.Unlock()
	}

	if opts.Stats {
		statsMu.Lock()
		*stats = append(*stats, StatRecord{
			PartitionName: name,
			Bytes:         uint64(len(data)),
			Elapsed:       time.Since(st.start),
			Order:         st.job.Order,
		})
		statsMu.Unlock()
	}

	return nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
