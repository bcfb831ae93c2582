package binance

import (
	"log"
	"strconv"
	"sync"
	"time"
)

// weightTracker follows the venue's used-weight header so operators see
// trouble before the venue starts returning 429s. The hard throttle lives
// in exchange.Retrier; this is observation only.
type weightTracker struct {
	limit         int
	resetInterval time.Duration

	mu         sync.Mutex
	usedWeight int
	lastReset  time.Time
}

func newWeightTracker(limit int, resetInterval time.Duration) *weightTracker {
	return &weightTracker{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// UpdateFromHeader records the used weight reported on a response.
func (w *weightTracker) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if time.Since(w.lastReset) >= w.resetInterval {
		w.usedWeight = 0
		w.lastReset = time.Now()
	}
	w.usedWeight = weight

	pct := float64(w.usedWeight) / float64(w.limit) * 100
	if pct >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%) - approaching ban threshold", w.usedWeight, w.limit, pct)
	} else if pct >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", w.usedWeight, w.limit, pct)
	}
}
