// Copyright (C) 2025 Drove Labs, Inc.
// See LICENSE for copying information.

// Package lifecycle allows controlling a group of long-running items.
package lifecycle

import (
	"context"
	"runtime"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	mon = monkit.Package()

	// Error is a default error class for lifecycle errors.
	Error = errs.Class("lifecycle")
)

// Item is the lifecycle item that group runs and closes.
type Item struct {
	Name  string
	Run   func(ctx context.Context) error
	Close func() error
}

// Group implements a collection of items that have a simultaneous start and
// are closed in reverse order.
type Group struct {
	log   *zap.Logger
	items []Item
}

// NewGroup creates a new group.
func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add adds item to the group.
func (group *Group) Add(item Item) {
	group.items = append(group.items, item)
}

// Run starts all items in the group, backed by the provided errgroup. A
// panicking item is converted into an error so that the rest of the peer can
// shut down in an orderly manner.
func (group *Group) Run(ctx context.Context, g *errgroup.Group) {
	defer mon.Task()(&ctx)(nil)

	for _, item := range group.items {
		item := item
		if item.Run == nil {
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				buf := make([]byte, 256*1024)
				n := runtime.Stack(buf, false)
				err = Error.New("panic in %s: %v\n%s", item.Name, r, condenseStack(buf[:n]))
				group.log.Error("subsystem panicked", zap.String("name", item.Name), zap.Error(err))
			}()

			group.log.Debug("starting subsystem", zap.String("name", item.Name))
			err = item.Run(ctx)
			if err != nil && !errs.Is(err, context.Canceled) {
				group.log.Error("unexpected shutdown of subsystem",
					zap.String("name", item.Name), zap.Error(err))
			}
			return err
		})
	}
}

// Close closes all items in reverse order.
func (group *Group) Close() error {
	var errlist errs.Group

	for i := len(group.items) - 1; i >= 0; i-- {
		item := group.items[i]
		if item.Close == nil {
			continue
		}
		errlist.Add(item.Close())
	}

	return Error.Wrap(errlist.Err())
}
