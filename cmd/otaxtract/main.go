// Command otaxtract extracts partition images out of an Android/ChromeOS
// A/B OTA payload (payload.bin, optionally inside the update zip).
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/otaxtract/otaxtract/internal/errs"
	"github.com/otaxtract/otaxtract/internal/extractor"
)

const version = "0.1.0"

// stringList accumulates comma-separated values from one or more
// repeated -partitions flags.
type stringList struct {
	values []string
}

func (s *stringList) String() string { return strings.Join(s.values, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			s.values = append(s.values, part)
		}
	}
	return nil
}

func main() {
	var (
		list       bool
		outputDir  string
		threads    int
		noVerify   bool
		strict     bool
		printHash  bool
		sanity     bool
		stats      bool
		noOpen     bool
		showVer    bool
		partitions stringList
	)

	flag.BoolVar(&list, "list", false, "list partitions and exit without extracting")
	flag.StringVar(&outputDir, "output-dir", "", "directory to extract into (default: current directory)")
	flag.Var(&partitions, "partitions", "comma-separated partition names to extract (default: all)")
	flag.IntVar(&threads, "threads", 0, "worker count, 1-256 (default: number of CPUs)")
	flag.BoolVar(&noVerify, "no-verify", false, "skip SHA-256 verification of extracted partitions")
	flag.BoolVar(&strict, "strict", false, "fail if the manifest is missing a hash this run would otherwise skip")
	flag.BoolVar(&printHash, "print-hash", false, "print each partition's SHA-256 after extraction")
	flag.BoolVar(&sanity, "sanity", false, "fail if an extracted partition is entirely zero bytes")
	flag.BoolVar(&stats, "stats", false, "print size and duration for each partition")
	flag.BoolVar(&noOpen, "no-open", false, "do not open the output folder when finished")
	flag.BoolVar(&showVer, "version", false, "print version and exit")
	flag.Usage = usage

	flag.Parse()

	if showVer {
		fmt.Println("otaxtract", version)
		return
	}

	args := flag.Args()
	if len(args) != 1 {
		flag.Usage()
		os.Exit(2)
	}
	input := args[0]

	if strict && noVerify {
		fail(errs.New(errs.KindConfigError, "--strict cannot be used together with --no-verify"))
	}

	if list {
		runList(input, partitions.values)
		return
	}

	runExtract(input, extractOptions{
		outputDir:  outputDir,
		partitions: partitions.values,
		threads:    threads,
		verify:     !noVerify,
		strict:     strict,
		printHash:  printHash,
		sanity:     sanity,
		stats:      stats,
		noOpen:     noOpen,
	})
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: otaxtract [flags] <payload.bin | ota.zip>")
	flag.PrintDefaults()
}

type extractOptions struct {
	outputDir  string
	partitions []string
	threads    int
	verify     bool
	strict     bool
	printHash  bool
	sanity     bool
	stats      bool
	noOpen     bool
}

func runList(input string, partitions []string) {
	summaries, err := extractor.List(input, partitions)
	if err != nil {
		fail(err)
	}
	for _, p := range summaries {
		kind := colorize("[green]Full[reset]")
		if p.Incremental {
			kind = colorize("[yellow]Incremental[reset]")
		}
		fmt.Printf("%-24s %12s  %d operations  %s\n", p.Name, humanSize(p.Size), p.OperationCount, kind)
	}
}

func runExtract(input string, opts extractOptions) {
	var cancelled atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, colorize("[red]interrupted, cancelling in-flight operations...[reset]"))
		cancelled.Store(true)
	}()

	bar := newProgressBar()

	summary, err := extractor.Run(input, extractor.Options{
		OutputDir:  opts.outputDir,
		Partitions: opts.partitions,
		Threads:    opts.threads,
		Verify:     opts.verify,
		Strict:     opts.strict,
		PrintHash:  opts.printHash,
		Sanity:     opts.sanity,
		Stats:      opts.stats,
		Cancel:     &cancelled,
		OnOpComplete: func(partitionName string) {
			if bar != nil {
				bar.Add(1)
			}
		},
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		fail(err)
	}

	fmt.Println(colorize(fmt.Sprintf("[green]extracted %d partition(s)[reset] into %s", len(summary.Partitions), summary.OutputDir)))

	for _, h := range summary.Hashes {
		fmt.Printf("%s: sha256=%s\n", h.PartitionName, h.Hex)
	}
	for _, s := range summary.Stats {
		fmt.Printf("  %-24s %12s in %s\n", s.PartitionName, humanSize(s.Bytes), s.Elapsed.Round(time.Millisecond))
	}

	if !opts.noOpen {
		openFolder(summary.OutputDir)
	}
}

func newProgressBar() *progressbar.ProgressBar {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return nil
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("extracting"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// colorize renders [color]...[reset] tags, falling back to stripping them
// when stdout isn't a terminal so redirected output stays plain text.
func colorize(s string) string {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return colorstring.Color(strings.NewReplacer(
			"[red]", "", "[green]", "", "[yellow]", "", "[reset]", "",
		).Replace(s))
	}
	return colorstring.Color(s)
}

func humanSize(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, colorize("[red]error:[reset] "+err.Error()))
	os.Exit(errs.ExitCode(errs.KindOf(err)))
}
