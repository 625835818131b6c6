package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/hvcore/internal/timeslice"
)

func printSums(w io.Writer, r io.Reader) error {
	summaries, err := timeslice.Summarize(r)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "% 32s flags=% 12s count=% 8d sum=% 14s max=% 14s avg=% 14s\n",
			s.Kind, s.Flags, s.Count, s.Total, s.Max, s.Mean())
	}
	return nil
}

func printRecords(w io.Writer, r io.Reader) error {
	return timeslice.ReadAllRecords(r, func(e timeslice.Entry) error {
		var err error
		if e.PCPU == timeslice.NoPCPU {
			_, err = fmt.Fprintf(w, "%s %s %s\n", e.Kind, e.Flags, e.Duration)
		} else {
			_, err = fmt.Fprintf(w, "%s pcpu%d %s %s\n", e.Kind, e.PCPU, e.Flags, e.Duration)
		}
		return err
	})
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice trace to read")
	sums := fs.Bool("sums", false, "Print per-kind totals instead of every record")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	show := printRecords
	if *sums {
		show = printSums
	}
	if err := show(os.Stdout, f); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}
