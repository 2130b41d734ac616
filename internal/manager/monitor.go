package manager

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
)

// DefaultMonitorInterval is the polling period of the monitor command.
const DefaultMonitorInterval = 5 * time.Second

const clearScreen = "\033[H\033[2J"

// Monitor periodically renders a ClusterStatus report.
type Monitor struct {
	manager *Manager
	out     io.Writer
	clear   bool
	tracker *RateTracker
}

// NewMonitor writes reports to out. When clear is set the terminal is
// cleared before every report.
func NewMonitor(m *Manager, out io.Writer, clear bool) *Monitor {
	return &Monitor{manager: m, out: out, clear: clear}
}

// Run renders a report immediately and then once per interval until ctx
// ends. Polling errors are logged and the loop continues.
func (mon *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := mon.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			mon.manager.logger.Warn("status poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick polls the store once and writes a report.
func (mon *Monitor) Tick(ctx context.Context) error {
	status, err := mon.manager.Status(ctx)
	if err != nil {
		return err
	}
	now := status.Timestamp
	if mon.tracker == nil {
		mon.tracker = NewRateTracker(now, status.UniquePages)
	} else {
		mon.tracker.Observe(now, status.UniquePages)
	}
	if mon.clear {
		if _, err := io.WriteString(mon.out, clearScreen); err != nil {
			return err
		}
	}
	return RenderMonitor(mon.out, status, mon.tracker)
}

// RenderStatus writes the aggregate report printed by the status command.
func RenderStatus(w io.Writer, s ClusterStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "=== Distributed Crawler Status ===")
	fmt.Fprintf(tw, "Queue Size:\t%d\n", s.QueueSize)
	fmt.Fprintf(tw, "Visited URLs:\t%d\n", s.VisitedURLs)
	fmt.Fprintf(tw, "Unique Pages:\t%d\n", s.UniquePages)
	fmt.Fprintf(tw, "Active Workers:\t%d/%d\n", s.ActiveWorkers(), len(s.Workers))
	fmt.Fprintf(tw, "Pages Crawled:\t%d\n", s.Totals.PagesCrawled)
	fmt.Fprintf(tw, "URLs Found:\t%d\n", s.Totals.URLsFound)
	fmt.Fprintf(tw, "Errors:\t%d\n", s.Totals.Errors)
	fmt.Fprintf(tw, "Duplicates Skipped:\t%d\n", s.Totals.DuplicatesSkipped)
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, strings.Repeat("=", 33))
	return err
}

// RenderMonitor writes the monitor report with rate information and the
// active worker table.
func RenderMonitor(w io.Writer, s ClusterStatus, t *RateTracker) error {
	now := s.Timestamp
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "=== Distributed Crawler Status === (%s)\n", now.Format(time.DateTime))
	fmt.Fprintf(tw, "Total Pages Crawled:\t%d\n", s.UniquePages)
	fmt.Fprintf(tw, "Queue Size:\t%d\n", s.QueueSize)
	fmt.Fprintf(tw, "Visited URLs:\t%d\n", s.VisitedURLs)
	fmt.Fprintf(tw, "Active Workers:\t%d/%d\n", s.ActiveWorkers(), len(s.Workers))
	fmt.Fprintf(tw, "Monitor Runtime:\t%s\n", t.Runtime(now))

	current := "calculating..."
	if rate, ok := t.Last(); ok {
		current = fmt.Sprintf("%.2f pages/sec", rate)
	}
	fmt.Fprintln(tw, "\n=== Crawl Rate Information ===")
	fmt.Fprintf(tw, "Current Rate:\t%s\n", current)
	fmt.Fprintf(tw, "Peak Rate:\t%.2f pages/sec\n", t.Peak())
	fmt.Fprintf(tw, "1-min Average:\t%.2f pages/sec\n", t.Average(now, time.Minute))
	fmt.Fprintf(tw, "5-min Average:\t%.2f pages/sec\n", t.Average(now, 5*time.Minute))
	fmt.Fprintf(tw, "Runtime Average:\t%.2f pages/sec\n", t.RuntimeAverage(now, s.UniquePages))
	if err := tw.Flush(); err != nil {
		return err
	}

	if s.ActiveWorkers() > 0 {
		fmt.Fprintln(w, "\n=== Active Workers ===")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPages\tURLs Found\tErrors\tRate")
		for _, ws := range s.Workers {
			if !ws.Active {
				continue
			}
			rate := "N/A"
			if r, ok := ws.Rate(); ok {
				rate = fmt.Sprintf("%.2f/s", r)
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n",
				shortID(ws.ID),
				ws.Stats.PagesCrawled,
				ws.Stats.URLsFound,
				ws.Stats.Errors,
				rate,
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w, strings.Repeat("=", 40))
	return err
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
