package binance

import (
	"log"
	"sync"
	"time"
)

// timeSync tracks the offset between local and venue clocks so signed
// requests stay within recvWindow. Synced lazily and at most every 30
// minutes.
type timeSync struct {
	getServerTime func() (int64, error)

	mu       sync.RWMutex
	offset   int64 // ms, server minus local
	lastSync time.Time
}

func newTimeSync(getServerTime func() (int64, error)) *timeSync {
	return &timeSync{getServerTime: getServerTime}
}

// Offset returns the current clock offset in milliseconds, resyncing when
// stale.
func (ts *timeSync) Offset() int64 {
	ts.mu.RLock()
	fresh := time.Since(ts.lastSync) < 30*time.Minute
	off := ts.offset
	ts.mu.RUnlock()
	if fresh {
		return off
	}
	return ts.sync()
}

func (ts *timeSync) sync() int64 {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if time.Since(ts.lastSync) < 30*time.Minute {
		return ts.offset
	}
	before := time.Now().UnixMilli()
	server, err := ts.getServerTime()
	if err != nil {
		log.Printf("binance time sync: %v", err)
		ts.lastSync = time.Now() // back off until the next window
		return ts.offset
	}
	after := time.Now().UnixMilli()
	ts.offset = server - (before+after)/2
	ts.lastSync = time.Now()
	return ts.offset
}
