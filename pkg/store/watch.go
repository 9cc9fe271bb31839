package store

import (
	"context"
	"time"
)

const (
	defaultWatchWait = 30 * time.Second
	watchErrBackoff  = 2 * time.Second
)

// Watch emits the value at key every time it changes, starting with its
// current state. Absence is reported as a KVPair with a nil Value, so
// consumers always know the current truth. The channel closes when ctx
// is cancelled. After a transport error the watch re-reads full current
// state (index reset to zero) rather than assuming nothing was missed.
func (c *Client) Watch(ctx context.Context, key string) <-chan KVPair {
	updates := make(chan KVPair)
	go func() {
		defer close(updates)
		var index uint64
		for {
			nextIndex, pair, _, err := c.getPairOnce(ctx, key, index, defaultWatchWait)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				c.logger.Log("watch", key, "err", err)
				index = 0
				if !sleepCtx(ctx, watchErrBackoff) {
					return
				}
				continue
			}
			if nextIndex == index && index != 0 {
				// Blocking query timed out with no change.
				continue
			}
			if nextIndex < index {
				// Index went backwards (store restarted); start over.
				index = 0
				continue
			}
			index = nextIndex
			select {
			case updates <- pair:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates
}

// WatchPrefix emits a full snapshot of all entries under prefix every
// time any of them changes, starting with the current snapshot. An
// empty snapshot means no keys exist yet; that too is current truth.
func (c *Client) WatchPrefix(ctx context.Context, prefix string) <-chan []KVPair {
	updates := make(chan []KVPair)
	go func() {
		defer close(updates)
		var index uint64
		for {
			nextIndex, pairs, err := c.listOnce(ctx, prefix, index, defaultWatchWait)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				c.logger.Log("watch", prefix, "err", err)
				index = 0
				if !sleepCtx(ctx, watchErrBackoff) {
					return
				}
				continue
			}
			if nextIndex == index && index != 0 {
				continue
			}
			if nextIndex < index {
				index = 0
				continue
			}
			index = nextIndex
			select {
			case updates <- pairs:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
