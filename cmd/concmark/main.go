// ABOUTME: Command line front end that marks a heap snapshot once
// ABOUTME: Loads flags and the snapshot, runs a marking cycle and prints a report

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"

	"github.com/prateek/concmark"
	"github.com/prateek/concmark/config"
	"github.com/prateek/concmark/graph"
	"github.com/prateek/concmark/heapdump"
	_ "github.com/prateek/concmark/heapdump/goheap"
	"github.com/prateek/concmark/marking"
	"github.com/prateek/concmark/trace"
)

var errUsage = errors.New("usage: concmark [-config file.yaml] [-flags \"--...\"] snapshot.{json,dump}")

func main() {
	if err := run(os.Args[1:], colorable.NewColorableStdout(), trace.Stderr()); err != nil {
		fmt.Fprintln(os.Stderr, "concmark:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer, tr *trace.Logger) error {
	fs := flag.NewFlagSet("concmark", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "YAML file with marking flags")
	flagString := fs.String("flags", "", "engine style flags applied after the config file")
	version := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	if *version {
		fmt.Fprintln(stdout, "concmark", concmark.Version)
		return nil
	}
	if fs.NArg() != 1 {
		return errUsage
	}

	flags, err := loadFlags(*configPath, *flagString)
	if err != nil {
		return err
	}

	g, err := heapdump.OpenFile(fs.Arg(0))
	if err != nil {
		return err
	}

	c, err := marking.NewCollector(g, flags, marking.WithTrace(tr))
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	res, err := c.Finish()
	if err != nil {
		return err
	}

	report(stdout, g, flags, res)
	return nil
}

// loadFlags layers the config file, the environment and -flags on top of
// the defaults
func loadFlags(path, s string) (config.Flags, error) {
	flags := config.Default()
	if path != "" {
		var err error
		if flags, err = config.Load(path); err != nil {
			return config.Flags{}, err
		}
	}
	flags, err := flags.FromEnv()
	if err != nil {
		return config.Flags{}, err
	}
	if s != "" {
		if flags, err = flags.Parse(s); err != nil {
			return config.Flags{}, err
		}
	}
	return flags, nil
}

func report(w io.Writer, g graph.Graph, flags config.Flags, res *marking.Result) {
	mode := "main thread only"
	if flags.ConcurrentMarking {
		mode = fmt.Sprintf("concurrent, %d tasks", flags.Tasks)
	}
	fmt.Fprintf(w, "Marking (%s) finished in %s\n", mode, res.Duration)
	fmt.Fprintf(w, "  Marked: %d of %d objects, %s\n", res.MarkedObjects, g.NumObjects(), bytesize.New(float64(res.MarkedBytes)))
	if flags.ConcurrentMarking {
		fmt.Fprintf(w, "  Background: %d runs, %d objects, %s\n",
			res.Concurrent.Runs, res.Concurrent.ObjectsVisited, bytesize.New(float64(res.Concurrent.MarkedBytes)))
	}
	fmt.Fprintf(w, "  Weak cells: %d cleared, %d retained\n", res.WeakCellsCleared, res.WeakCellsRetained)
	fmt.Fprintf(w, "  Transitions pruned: %d\n", res.TransitionsPruned)

	fmt.Fprintln(w, "  Live bytes by region:")
	for _, idx := range res.SortedRegions() {
		fmt.Fprintf(w, "    %4d  %s\n", idx, bytesize.New(float64(res.LiveBytes[idx])))
	}
}
