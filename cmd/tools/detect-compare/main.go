// Package main re-runs the irrigation-event detector over archived captures
// and compares the fresh results with the detections stored at capture time.
// Useful after detector changes to see which historical dates would now be
// classified differently.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/cropwatch/irrigation.report/internal/archive"
	"github.com/cropwatch/irrigation.report/internal/hssp"
)

type config struct {
	DBPath string
	Farm   string
	From   string
	To     string
}

func main() {
	var cfg config
	flag.StringVar(&cfg.DBPath, "db", "data/archive.db", "Path to the capture archive")
	flag.StringVar(&cfg.Farm, "farm", "", "Restrict to one farm ID")
	flag.StringVar(&cfg.From, "from", "", "Start date YYYY-MM-DD (inclusive)")
	flag.StringVar(&cfg.To, "to", "", "End date YYYY-MM-DD (inclusive)")
	flag.Parse()

	arc, err := archive.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open archive: %v", err)
	}
	defer arc.Close()

	captures, err := arc.Captures(cfg.Farm, cfg.From, cfg.To)
	if err != nil {
		log.Fatalf("failed to list captures: %v", err)
	}
	if len(captures) == 0 {
		fmt.Println("no archived captures match")
		return
	}

	fmt.Printf("%-10s %-12s %7s %8s %8s %8s\n", "farm", "date", "points", "stored", "fresh", "match")
	changed := 0
	for _, meta := range captures {
		_, points, err := arc.Capture(meta.FarmID, meta.Date)
		if err != nil {
			log.Printf("failed to load %s/%s: %v", meta.FarmID, meta.Date, err)
			continue
		}
		stored, err := arc.Detections(meta.FarmID, meta.Date)
		if err != nil {
			log.Printf("failed to load detections %s/%s: %v", meta.FarmID, meta.Date, err)
			continue
		}
		fresh := hssp.Detect(points)

		match := sameEvents(stored, fresh)
		if !match {
			changed++
		}
		fmt.Printf("%-10s %-12s %7d %8d %8d %8v\n",
			meta.FarmID, meta.Date, len(points), len(stored), len(fresh), match)
		if !match {
			printEvents("  stored:", stored)
			printEvents("  fresh: ", fresh)
		}
	}

	fmt.Printf("\n%d captures, %d changed\n", len(captures), changed)
	if changed > 0 {
		os.Exit(1)
	}
}

func sameEvents(a, b []hssp.Event) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ValleyIndex != b[i].ValleyIndex || a[i].PeakIndex != b[i].PeakIndex {
			return false
		}
	}
	return true
}

func printEvents(prefix string, events []hssp.Event) {
	fmt.Print(prefix)
	for _, e := range events {
		fmt.Printf(" [%d→%d rise=%.2f]", e.ValleyIndex, e.PeakIndex, e.Rise)
	}
	fmt.Println()
}
