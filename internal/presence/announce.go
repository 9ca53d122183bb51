package presence

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dp2ptrade/rolenet-sub003/internal/proto"
	"github.com/dp2ptrade/rolenet-sub003/internal/realtime"
	"github.com/dp2ptrade/rolenet-sub003/internal/util"
)

// Consume reduces heartbeat traffic on the presence topic into t until ctx
// is done or the subscription ends. Frames from selfID are skipped.
func (t *Tracker) Consume(ctx context.Context, tr realtime.Transport, selfID string) error {
	sub, err := tr.Subscribe(ctx, proto.TopicPresence)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			t.handleFrame(m.Data, selfID)
		}
	}
}

func (t *Tracker) handleFrame(data []byte, selfID string) {
	f, err := proto.Decode[proto.PresenceFrame](data)
	if err != nil {
		log.Debugf("presence: dropping frame: %v", err)
		return
	}
	if f.UserID == selfID {
		return
	}
	switch f.Type {
	case proto.PresenceHeartbeat:
		t.Heartbeat(f.UserID, ParseStatus(f.Status))
	case proto.PresenceOffline:
		t.Disconnect(f.UserID)
	}
}

// Announce publishes selfID's heartbeat immediately and then every interval.
// When ctx ends a final offline frame is sent.
func Announce(ctx context.Context, tr realtime.Transport, clk clock.Clock, selfID string, interval time.Duration, status func() Status) {
	publish := func(ctx context.Context, typ string) {
		f := proto.PresenceFrame{Type: typ, UserID: selfID, TS: proto.NowMillis()}
		if typ == proto.PresenceHeartbeat {
			f.Status = string(status())
		}
		b, err := proto.Encode(f)
		if err != nil {
			return
		}
		if err := tr.Publish(ctx, proto.TopicPresence, b); err != nil {
			log.Debugf("presence: publish %s: %v", typ, err)
		}
	}

	publish(ctx, proto.PresenceHeartbeat)
	tick := clk.Ticker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			octx, cancel := context.WithTimeout(context.Background(), util.ShutdownTimeout)
			publish(octx, proto.PresenceOffline)
			cancel()
			return
		case <-tick.C:
			publish(ctx, proto.PresenceHeartbeat)
		}
	}
}
