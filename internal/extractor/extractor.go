// Package extractor is the driver: it sequences the container parser, the
// manifest decoder and validators, the per-partition sinks, and the
// scheduler into the one end-to-end operation the CLI calls.
package extractor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/otaxtract/otaxtract/internal/chromeos"
	"github.com/otaxtract/otaxtract/internal/cleanup"
	"github.com/otaxtract/otaxtract/internal/container"
	"github.com/otaxtract/otaxtract/internal/errs"
	"github.com/otaxtract/otaxtract/internal/extent"
	"github.com/otaxtract/otaxtract/internal/manifest"
	"github.com/otaxtract/otaxtract/internal/payloadsrc"
	"github.com/otaxtract/otaxtract/internal/scheduler"
	"github.com/otaxtract/otaxtract/internal/sink"
)

// Options configures one extraction run. It is the union of everything the
// CLI's flags can set.
type Options struct {
	// OutputDir is the directory a timestamped extraction subdirectory is
	// created inside. Empty means the current working directory.
	OutputDir  string
	Partitions []string
	Threads    int
	Verify     bool
	Strict     bool
	PrintHash  bool
	Sanity     bool
	Stats      bool

	// OnOpComplete, if set, is called after each operation that actually
	// executes, for CLI progress reporting.
	OnOpComplete func(partitionName string)

	// Cancel, if set, lets the caller (typically a signal handler) abort
	// a run already in progress; see scheduler.Options.Cancel.
	Cancel *atomic.Bool
}

// PartitionSummary describes one selected partition, independent of
// whether it was actually extracted (List populates this without writing
// anything).
type PartitionSummary struct {
	Name           string
	Size           uint64
	OperationCount int
	Incremental    bool
}

// Summary is the final report of a successful extraction.
type Summary struct {
	OutputDir  string
	Partitions []PartitionSummary
	Hashes     []scheduler.HashRecord
	Stats      []scheduler.StatRecord
}

// List opens path and returns the partitions named in names (every
// partition the manifest describes when names is empty), without creating
// any output. Used for --list.
func List(path string, names []string) ([]PartitionSummary, error) {
	src, err := payloadsrc.Open(path, "")
	if err != nil {
		return nil, err
	}
	defer src.Close()

	_, _, selected, err := parseAndSelect(src.Bytes, names)
	if err != nil {
		return nil, err
	}

	out := make([]PartitionSummary, 0, len(selected))
	for _, p := range selected {
		out = append(out, summarize(p))
	}
	return out, nil
}

// Run performs a full extraction: parse, validate, create output, execute
// every operation across a bounded worker pool, then verify and report.
// On any failure, every file this run created is removed before returning.
func Run(path string, opts Options) (*Summary, error) {
	outputBase := opts.OutputDir
	if outputBase == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, errs.Wrap(errs.KindIO, err, "resolving current directory")
		}
		outputBase = cwd
	}

	baseIsNew := false
	if _, err := os.Stat(outputBase); os.IsNotExist(err) {
		if err := os.MkdirAll(outputBase, 0o755); err != nil {
			return nil, errs.Wrap(errs.KindIO, err, "creating output directory %q", outputBase)
		}
		baseIsNew = true
	}
	ok := false
	defer func() {
		if !ok && baseIsNew {
			os.RemoveAll(outputBase)
		}
	}()

	src, err := payloadsrc.Open(path, outputBase)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	_, blockSize, selected, err := parseAndSelect(src.Bytes, opts.Partitions)
	if err != nil {
		return nil, err
	}

	for _, p := range selected {
		if manifest.HasIncrementalOp(p) {
			return nil, errs.New(errs.KindUnsupportedIncremental,
				"partition %q requires a previous partition to patch against; "+
					"only full OTA payloads are supported", p.PartitionName)
		}
	}

	if opts.Strict {
		if err := manifest.CheckStrictHashes(selected); err != nil {
			return nil, err
		}
	}

	// orderIndex captures each partition's rank in the selected,
	// manifest-order sequence before SortBySizeDescending reorders
	// selected for scheduling. Reports are sorted back by this index so
	// output order never depends on the scheduling order or on which
	// partition's last operation happens to finish first.
	orderIndex := make(map[string]int, len(selected))
	for i, p := range selected {
		orderIndex[p.PartitionName] = i
	}

	manifest.SortBySizeDescending(selected)

	for _, p := range selected {
		size, err := partitionSize(p)
		if err != nil {
			return nil, err
		}
		if err := extent.ValidatePartition(p, blockSize, size); err != nil {
			return nil, err
		}
	}

	extractDir := filepath.Join(outputBase, fmt.Sprintf("extracted_%d", time.Now().Unix()))
	if err := os.Mkdir(extractDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIO, err, "creating extraction directory %q", extractDir)
	}

	reg := cleanup.New(extractDir, true)
	defer reg.Run() // no-op after a successful reg.Clear()

	jobs := make([]scheduler.Job, 0, len(selected))
	sinks := make([]*sink.Sink, 0, len(selected))
	for _, p := range selected {
		size, err := partitionSize(p)
		if err != nil {
			return nil, err
		}
		sk, err := sink.Create(extractDir, p.PartitionName, size)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sk)
		reg.Track(sk.Path)

		jobs = append(jobs, scheduler.Job{
			Update:      p,
			Sink:        sk,
			BlockSize:   blockSize,
			PayloadData: src.Bytes,
			Order:       orderIndex[p.PartitionName],
		})
	}

	results, runErr := scheduler.Run(jobs, scheduler.Options{
		Threads:      opts.Threads,
		Verify:       opts.Verify,
		Strict:       opts.Strict,
		Sanity:       opts.Sanity,
		PrintHash:    opts.PrintHash,
		Stats:        opts.Stats,
		OnOpComplete: opts.OnOpComplete,
		Cancel:       opts.Cancel,
	})

	for _, sk := range sinks {
		sk.Close()
	}

	if runErr != nil {
		return nil, runErr
	}

	reg.Clear()
	ok = true

	summaries := make([]PartitionSummary, len(selected))
	for _, p := range selected {
		summaries[orderIndex[p.PartitionName]] = summarize(p)
	}

	return &Summary{
		OutputDir:  extractDir,
		Partitions: summaries,
		Hashes:     results.Hashes,
		Stats:      results.Stats,
	}, nil
}

func parseAndSelect(buf []byte, names []string) (*chromeos.DeltaArchiveManifest, uint64, []chromeos.PartitionUpdate, error) {
	c, err := container.Parse(buf)
	if err != nil {
		return nil, 0, nil, err
	}

	m, err := chromeos.UnmarshalManifest(c.ManifestBytes)
	if err != nil {
		return nil, 0, nil, err
	}

	blockSize, err := manifest.ValidateBlockSize(m)
	if err != nil {
		return nil, 0, nil, err
	}

	selected, err := manifest.Select(m, names)
	if err != nil {
		return nil, 0, nil, err
	}

	return m, blockSize, selected, nil
}

func partitionSize(p chromeos.PartitionUpdate) (uint64, error) {
	if p.NewPartitionInfo == nil || !p.NewPartitionInfo.HasSize {
		return 0, errs.New(errs.KindInvalidManifest,
			"partition %q is missing new_partition_info.size", p.PartitionName)
	}
	return p.NewPartitionInfo.Size, nil
}

func summarize(p chromeos.PartitionUpdate) PartitionSummary {
	size, _ := partitionSize(p)
	return PartitionSummary{
		Name:           p.PartitionName,
		Size:           size,
		OperationCount: len(p.Operations),
		Incremental:    manifest.HasIncrementalOp(p),
	}
}
