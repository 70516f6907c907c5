package service

import (
	"fmt"
	"sync"
	"time"
)

// IDLayout is the second-resolution timestamp a submission id starts with.
const IDLayout = "20060102150405"

type issued struct {
	base string
	seq  int
}

// IDGenerator hands out submission ids. Ids issued for the same sender within
// one second get a "-NN" suffix, and ids already on disk are skipped.
type IDGenerator struct {
	now    func() time.Time
	exists func(sender, id string) bool

	mu   sync.Mutex
	last map[string]issued
}

// NewIDGenerator returns a generator; exists may be nil.
func NewIDGenerator(now func() time.Time, exists func(sender, id string) bool) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{now: now, exists: exists, last: make(map[string]issued)}
}

func (g *IDGenerator) Next(sender string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	base := g.now().Format(IDLayout)
	seq := 0
	if prev, ok := g.last[sender]; ok && prev.base == base {
		seq = prev.seq + 1
	}
	for {
		id := formatID(base, seq)
		if g.exists == nil || !g.exists(sender, id) {
			g.last[sender] = issued{base: base, seq: seq}
			return id
		}
		seq++
	}
}

func formatID(base string, seq int) string {
	if seq == 0 {
		return base
	}
	return fmt.Sprintf("%s-%02d", base, seq)
}
