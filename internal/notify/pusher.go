//go:generate go run go.uber.org/mock/mockgen -source=pusher.go -destination=../mocks/mock_pusher.go -package=mocks
package notify

import (
	"context"

	"github.com/dp2ptrade/rolenet-sub003/internal/model"
)

// Pusher hands a notification to an out-of-band delivery channel such as a
// push service or the desktop notification center.
type Pusher interface {
	Notify(ctx context.Context, userID string, n model.Notification) error
}

// NopPusher drops everything.
type NopPusher struct{}

func (NopPusher) Notify(context.Context, string, model.Notification) error { return nil }
