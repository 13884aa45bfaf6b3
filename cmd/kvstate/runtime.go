package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/UltraSive/kvstate/internal/datastore"
	"github.com/UltraSive/kvstate/internal/dirwatch"
	"github.com/UltraSive/kvstate/internal/kv"
	"github.com/UltraSive/kvstate/internal/poller"
	"github.com/UltraSive/kvstate/internal/remote"
	"github.com/UltraSive/kvstate/internal/storage"
)

// runtime is one execution context on the configured store.
type runtime struct {
	log    *zap.Logger
	ds     datastore.Datastore
	shared *storage.Shared
	ctx    *storage.Context
	store  *kv.Store

	watcher  *dirwatch.Watcher
	stopPoll chan struct{}
	pollDone <-chan struct{}
}

type openOptions struct {
	// follow picks up changes other processes make while the command runs.
	follow bool
	// journal keeps a change feed for remote followers.
	journal bool
}

func (a *app) open(ctx context.Context, o openOptions) (*runtime, error) {
	rt := &runtime{log: a.log}

	var client *remote.Client
	if a.cfg.Remote() {
		client = remote.NewHTTP(a.cfg.RemoteURL, a.cfg.RemoteTimeout)
		if err := client.Ping(ctx); err != nil {
			return nil, fmt.Errorf("reach %s: %w", a.cfg.RemoteURL, err)
		}
		rt.ds = client
	} else {
		ds, err := datastore.Open(a.cfg.Backend, a.cfg.DataPath)
		if err != nil {
			return nil, err
		}
		rt.ds = ds
	}

	opts := []storage.Option{storage.WithLogger(a.log)}
	if o.journal {
		opts = append(opts, storage.WithJournal(storage.NewJournal(a.cfg.JournalSize)))
	}
	rt.shared = storage.NewShared(rt.ds, opts...)
	rt.ctx = rt.shared.Open()
	rt.store = kv.New(rt.ctx, kv.WithLogger(a.log))

	if o.follow {
		switch ds := rt.ds.(type) {
		case *remote.Client:
			rt.stopPoll = make(chan struct{})
			rt.pollDone = poller.Start(ds, rt.shared.Notify, a.cfg.PollInterval, a.log, rt.stopPoll)
		case *datastore.SQLite:
			rt.stopPoll = make(chan struct{})
			rt.pollDone = poller.FollowKeys(ds, rt.shared, a.cfg.PollInterval, a.log, rt.stopPoll)
		case *datastore.Dir:
			w, err := dirwatch.New(ds.Path(), rt.shared, dirwatch.WithLogger(a.log))
			if err != nil {
				rt.close()
				return nil, fmt.Errorf("watch %s: %w", ds.Path(), err)
			}
			if err := w.Start(ctx); err != nil {
				w.Stop()
				rt.close()
				return nil, fmt.Errorf("watch %s: %w", ds.Path(), err)
			}
			rt.watcher = w
		}
	}
	return rt, nil
}

func (rt *runtime) close() {
	rt.store.Close()
	if rt.stopPoll != nil {
		close(rt.stopPoll)
		<-rt.pollDone
	}
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	rt.ctx.Close()
	rt.shared.Close()
	if err := rt.ds.Close(); err != nil {
		rt.log.Warn("closing datastore failed", zap.Error(err))
	}
}
