package metrics

import (
	"time"

	"github.com/benbjohnson/clock"
)

type timer struct {
	client Client
	clock  clock.Clock
	start  time.Time
	name   string
	tags   Tags
}

// Timer starts measuring elapsed time against the given clock.
func Timer(client Client, clk clock.Clock, name string, tags Tags) *timer {
	return &timer{
		client: client,
		clock:  clk,
		start:  clk.Now(),
		name:   name,
		tags:   tags,
	}
}

// Stop the timer and send the elapsed milliseconds as a distribution metric.
func (t *timer) Stop() {
	elapsed := t.clock.Since(t.start)
	t.client.Distribution(t.name, t.tags, float64(elapsed)/float64(time.Millisecond))
}
