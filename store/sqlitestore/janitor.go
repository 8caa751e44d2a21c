package sqlitestore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Janitor periodically deletes rows whose expires_at has passed. SQL has
// no native per-row TTL, so every conditional statement already treats an
// expired row as logically absent; Janitor only reclaims the physical
// space, run by the process embedding this core rather than by package
// coordinator itself, which has no internal timers.
type Janitor struct {
	store    *Store
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewJanitor builds a purge loop for store, ticking every interval.
func NewJanitor(store *Store, interval time.Duration) *Janitor {
	return &Janitor{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic purge in the background.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.loop()
}

// Stop blocks until the running purge finishes and the loop exits.
func (j *Janitor) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *Janitor) loop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.purge()
		case <-j.stopCh:
			return
		}
	}
}

func (j *Janitor) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	ts := now()
	for _, table := range []string{"leader", "running_repairs", "running_reapers"} {
		if _, err := j.store.writeDB.ExecContext(ctx, "DELETE FROM "+table+" WHERE expires_at <= ?", ts); err != nil {
			log.Error().Err(err).Str("table", table).Msg("janitor purge failed")
		}
	}
}
