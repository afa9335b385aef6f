package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"pinscraper/internal/downloader"
	"pinscraper/pkg/collector"
	"pinscraper/pkg/models"
	"pinscraper/pkg/scraper"
)

var _ scraper.Observer = (*Console)(nil)

// Console draws collection and download progress as terminal progress bars.
// Download progress is polled from the downloader's snapshot.
type Console struct {
	out      io.Writer
	interval time.Duration

	mu         sync.Mutex
	collect    *progressbar.ProgressBar
	collectFor string
	stop       chan struct{}
	done       chan struct{}
}

// NewConsole creates a console observer writing to out (stderr when nil)
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stderr
	}
	return &Console{out: out, interval: 200 * time.Millisecond}
}

func (c *Console) newBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(c.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "━",
			SaucerHead:    "━",
			SaucerPadding: "─",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// CollectProgress advances the collection bar
func (c *Console) CollectProgress(p collector.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.collect == nil || c.collectFor != p.Query {
		c.finishCollectLocked()
		c.collect = c.newBar(p.Target, p.Query)
		c.collectFor = p.Query
	}

	n := p.Unique
	if p.Target > 0 && n > p.Target {
		n = p.Target
	}
	c.collect.Describe(fmt.Sprintf("%s [%s round %d]", p.Query, p.Phase, p.Round))
	_ = c.collect.Set(n)
}

// DownloadStarted starts polling the download counters.
func (c *Console) DownloadStarted(query string, progress *downloader.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finishCollectLocked()
	c.stopPollLocked()

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.poll(query, progress, c.stop, c.done)
}

// StageFinished prints the summary line of a finished stage.
func (c *Console) StageFinished(stage, query string, stats models.Stats) {
	c.Finish()
	WriteStats(c.out, stage, query, stats)
}

// Finish completes any bar still on screen
func (c *Console) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishCollectLocked()
	c.stopPollLocked()
}

func (c *Console) finishCollectLocked() {
	if c.collect == nil {
		return
	}
	_ = c.collect.Finish()
	fmt.Fprintln(c.out)
	c.collect = nil
	c.collectFor = ""
}

func (c *Console) stopPollLocked() {
	if c.stop == nil {
		return
	}
	close(c.stop)
	<-c.done
	c.stop, c.done = nil, nil
}

// poll owns the download bar; it is created once the run knows its total.
func (c *Console) poll(query string, progress *downloader.Progress, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	var bar *progressbar.ProgressBar
	render := func() {
		snap := progress.Snapshot()
		if snap.Total == 0 {
			return
		}
		if bar == nil {
			bar = c.newBar(snap.Total, query)
		}
		bar.Describe(fmt.Sprintf("%s [%s, %s/s]", query, FormatBytes(snap.Bytes), FormatBytes(int64(snap.Throughput()))))
		_ = bar.Set(snap.Done())
	}

	for {
		select {
		case <-stop:
			render()
			if bar != nil {
				_ = bar.Finish()
				fmt.Fprintln(c.out)
			}
			return
		case <-ticker.C:
			render()
		}
	}
}
