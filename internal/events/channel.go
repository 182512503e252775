// Package events turns the host runtime's raw poll answers into typed events.
package events

import (
	"context"
	"errors"

	"github.com/ChuLiYu/workunit-bridge/internal/bridge"
	"github.com/ChuLiYu/workunit-bridge/internal/errcode"
	"github.com/ChuLiYu/workunit-bridge/pkg/types"
)

// Poller is the poll primitive of the host bridge.
type Poller interface {
	CheckEvent(ctx context.Context) (bridge.Status, error)
}

// Channel is the non-blocking event source used by the work loop. It is not
// safe for concurrent use; exactly one work loop polls it.
type Channel struct {
	src     Poller
	pending []types.Event
	err     error
}

// New returns a Channel reading from src.
func New(src Poller) *Channel {
	return &Channel{src: src}
}

// Poll returns the next host request, or (nil, nil) when nothing is pending.
//
// A single host answer may carry several requests; they are returned one per
// call in the order messages, checkpoint, finish. Once the underlying channel
// has failed, every later call returns the same *errcode.BridgeError.
func (c *Channel) Poll(ctx context.Context) (types.Event, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(c.pending) == 0 {
		st, err := c.src.CheckEvent(ctx)
		if err != nil {
			c.err = asBridgeError(err)
			return nil, c.err
		}
		c.pending = decode(st)
	}
	if len(c.pending) == 0 {
		return nil, nil
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

// Buffered reports how many decoded events are waiting to be returned.
func (c *Channel) Buffered() int {
	return len(c.pending)
}

// Err returns the failure that broke the channel, if any.
func (c *Channel) Err() error {
	return c.err
}

func decode(st bridge.Status) []types.Event {
	if st.Empty() {
		return nil
	}
	evs := make([]types.Event, 0, len(st.Messages)+2)
	for _, m := range st.Messages {
		evs = append(evs, types.Message{Text: m})
	}
	if st.Checkpoint {
		evs = append(evs, types.CheckpointRequest{})
	}
	if st.Finish {
		evs = append(evs, types.FinishRequest{})
	}
	return evs
}

func asBridgeError(err error) error {
	var be *errcode.BridgeError
	if errors.As(err, &be) {
		return err
	}
	return errcode.NewBridgeError(bridge.OpCheckEvent, errcode.CategoryOf(err), err)
}
