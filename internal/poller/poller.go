// Package poller follows a remote change feed and replays it into the local
// process as external changes.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/UltraSive/kvstate/internal/storage"
)

// Source is a change feed read by cursor.
type Source interface {
	Changes(ctx context.Context, since uint64) (storage.Batch, error)
}

type follower struct {
	src    Source
	sink   func(storage.Event)
	log    *zap.Logger
	cursor uint64
	synced bool
}

// Start polls src every interval until stop is closed, handing each change to
// sink in feed order. The first poll runs before Start returns and only fixes
// the cursor, so every change made after Start returns is delivered. The
// returned channel is closed once polling has stopped.
func Start(src Source, sink func(storage.Event), interval time.Duration, log *zap.Logger, stop <-chan struct{}) <-chan struct{} {
	if log == nil {
		log = zap.NewNop()
	}
	f := &follower{src: src, sink: sink, log: log}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		<-stop
		cancel()
	}()
	f.runOnce(ctx)

	t := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				f.runOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// KeyFeed reports which keys changed after a cursor, without their values.
type KeyFeed interface {
	ChangedKeys(ctx context.Context, since uint64) (keys []string, next uint64, truncated bool, err error)
}

// Refresher re-reads a key from storage and publishes it if it changed.
type Refresher interface {
	Refresh(key string) error
}

// FollowKeys is Start for a KeyFeed: every changed key is refreshed on target.
func FollowKeys(feed KeyFeed, target Refresher, interval time.Duration, log *zap.Logger, stop <-chan struct{}) <-chan struct{} {
	if log == nil {
		log = zap.NewNop()
	}
	sink := func(ev storage.Event) {
		if err := target.Refresh(ev.Key); err != nil {
			log.Warn("refreshing changed key failed", zap.String("key", ev.Key), zap.Error(err))
		}
	}
	return Start(keySource{feed}, sink, interval, log, stop)
}

type keySource struct{ feed KeyFeed }

func (k keySource) Changes(ctx context.Context, since uint64) (storage.Batch, error) {
	keys, next, truncated, err := k.feed.ChangedKeys(ctx, since)
	if err != nil {
		return storage.Batch{}, err
	}
	b := storage.Batch{Next: next, Truncated: truncated}
	for _, key := range keys {
		b.Records = append(b.Records, storage.Record{Event: storage.Event{Key: key}})
	}
	return b, nil
}

func (f *follower) runOnce(ctx context.Context) {
	batch, err := f.src.Changes(ctx, f.cursor)
	if err != nil {
		if ctx.Err() == nil {
			f.log.Warn("polling changes failed", zap.Error(err))
		}
		return
	}
	if !f.synced {
		f.synced = true
		f.cursor = batch.Next
		f.log.Debug("following change feed", zap.Uint64("cursor", f.cursor))
		return
	}
	if batch.Truncated {
		f.log.Warn("change feed lost entries, resuming from its head",
			zap.Uint64("cursor", f.cursor), zap.Uint64("head", batch.Next))
	}
	for _, rec := range batch.Records {
		f.sink(rec.Event)
	}
	f.cursor = batch.Next
}
