package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"batchbot/internal/domain"
)

// printReport writes a human summary of a batch report: one header line,
// then one line per (recipient, item).
func printReport(w io.Writer, r *domain.BatchReport) {
	delivered, abandoned := r.Counts()
	fmt.Fprintf(w, "%s  run %s  %s  delivered %d, abandoned %d  (%s)\n",
		r.MessageID, shortID(r.RunID), r.Overall, delivered, abandoned,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if len(r.Recipients) == 0 {
		fmt.Fprintln(w, "  no recipients")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, rr := range r.Recipients {
		for _, it := range rr.Items {
			fmt.Fprintf(tw, "  %s\t#%d %s\t%s\t%s\n", rr.Recipient, it.Index, it.Type, it.State, itemDetail(it))
		}
	}
	tw.Flush()
}

func itemDetail(it domain.ItemResult) string {
	n := len(it.Attempts)
	switch {
	case it.State == domain.StateDelivered && n == 1:
		return ""
	case it.State == domain.StateDelivered:
		return fmt.Sprintf("after %d attempts", n)
	case n == 0:
		return string(it.AbandonReason)
	default:
		return fmt.Sprintf("%s: %s", it.AbandonReason, it.Attempts[n-1].Reason)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
