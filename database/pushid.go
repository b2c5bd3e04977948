package database

import (
	"math/rand"
	"sync"
	"time"
)

// pushAlphabet orders push IDs chronologically under lexicographic key
// comparison: 64 characters, ascending ASCII.
const pushAlphabet = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"

// pushIDs generates 20-character chronologically sortable child keys:
// 8 characters of millisecond timestamp followed by 12 random
// characters. Two calls in the same millisecond increment the previous
// random suffix so ordering holds within the millisecond too.
type pushIDs struct {
	mu       sync.Mutex
	rng      *rand.Rand
	lastMs   int64
	lastRand [12]int
}

func newPushIDs() *pushIDs {
	return &pushIDs{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (p *pushIDs) next(now time.Time) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ms := now.UnixMilli()
	if ms <= p.lastMs {
		// Same millisecond (or the clock fell behind a previous carry):
		// bump the suffix. A full suffix wrap carries into the
		// timestamp so IDs stay sortable.
		i := 11
		for ; i >= 0; i-- {
			p.lastRand[i]++
			if p.lastRand[i] < 64 {
				break
			}
			p.lastRand[i] = 0
		}
		if i < 0 {
			p.lastMs++
		}
	} else {
		p.lastMs = ms
		for i := range p.lastRand {
			p.lastRand[i] = p.rng.Intn(64)
		}
	}

	var id [20]byte
	ts := p.lastMs
	for i := 7; i >= 0; i-- {
		id[i] = pushAlphabet[ts%64]
		ts /= 64
	}
	for i, r := range p.lastRand {
		id[8+i] = pushAlphabet[r]
	}
	return string(id[:])
}
