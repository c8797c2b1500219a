// Package report renders analysis reports and manages public share links
// to them.
package report

import (
	"bytes"
	"fmt"
	"time"

	"github.com/primal-host/vidscope/internal/analysis"
)

const rule = "---------------------------------"

// Filename is the download name of the report for analysisID.
func Filename(analysisID string) string {
	return "analysis-report-" + analysisID + ".txt"
}

// Render returns the plain text report for d, stamped with now.
func Render(d *analysis.Detail, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "Analysis Report ID: %s\n", d.ID)
	if d.Title != "" {
		fmt.Fprintf(&b, "Video: %s\n", d.Title)
	}
	fmt.Fprintf(&b, "Generated: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Status: %s\n", d.Status)
	fmt.Fprintf(&b, "Objects Detected: %d\n", d.ObjectCount)
	fmt.Fprintf(&b, "Object Classes: %d\n", d.UniqueObjectClasses)
	if d.ProcessingTime != nil {
		fmt.Fprintf(&b, "Processing Time: %.1fs\n", *d.ProcessingTime)
	} else {
		fmt.Fprintln(&b, "Processing Time: n/a")
	}
	if d.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", d.ErrorMessage)
	}

	for _, c := range d.Detections {
		fmt.Fprintln(&b)
		fmt.Fprintf(&b, "%s (%d)\n", c.ObjectClass, c.Count)
		for _, a := range c.Appearances {
			fmt.Fprintf(&b, "  %s - %s  confidence %.0f%%\n",
				timestamp(a.StartTime), timestamp(a.EndTime), a.Confidence*100)
		}
	}
	return b.Bytes()
}

// timestamp formats seconds as m:ss.s.
func timestamp(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	m := int(sec) / 60
	s := sec - float64(m*60)
	return fmt.Sprintf("%d:%04.1f", m, s)
}
