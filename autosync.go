package durus

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSyncInterval is how often AutoSync polls a Connection for
// invalidations when no explicit Sync call has happened recently,
// matching Jipok-go-persist/wal.go's DefaultSyncInterval for its
// background FSyncAll loop.
const DefaultSyncInterval = time.Second

// AutoSync runs a background goroutine that periodically calls
// Connection.Sync so a long-lived, otherwise-idle connection still
// notices invalidations from other connections promptly instead of only
// on its next Get/Commit. Adapted from Jipok-go-persist/wal.go's
// background FSyncAll goroutine: same stop-channel/WaitGroup shutdown
// shape and settable interval, retargeted from "flush dirty maps and
// fsync" to "pull invalidations."
type AutoSync struct {
	conn         *Connection
	interval     atomic.Int64
	stopCh       chan struct{}
	wg           sync.WaitGroup
	ErrorHandler func(error)
}

// NewAutoSync starts background syncing of conn at DefaultSyncInterval.
// Callers needing a different cadence should follow with SetInterval.
func NewAutoSync(conn *Connection) *AutoSync {
	a := &AutoSync{conn: conn, stopCh: make(chan struct{})}
	a.SetInterval(DefaultSyncInterval)
	a.ErrorHandler = func(err error) {
		Logf(LevelError, "autosync: %v", err)
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *AutoSync) GetInterval() time.Duration { return time.Duration(a.interval.Load()) }

func (a *AutoSync) SetInterval(d time.Duration) { a.interval.Store(int64(d)) }

func (a *AutoSync) loop() {
	defer a.wg.Done()
	timer := time.NewTimer(a.GetInterval())
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						a.ErrorHandler(&ProtocolError{Detail: "autosync panic"})
					}
				}()
				a.conn.Sync()
			}()
			timer.Reset(a.GetInterval())
		case <-a.stopCh:
			return
		}
	}
}

// Stop halts the background goroutine and waits for it to exit.
func (a *AutoSync) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}
