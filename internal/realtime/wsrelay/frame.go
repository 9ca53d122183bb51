// Package wsrelay is a small topic relay over WebSocket: a Server that fans
// published frames out to every connection subscribed to the topic, and a
// Client that implements realtime.Transport against it, reconnecting with
// backoff and resubscribing its topics.
package wsrelay

import (
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("realtime")

// Frame ops.
const (
	OpSub   = "sub"
	OpUnsub = "unsub"
	OpPub   = "pub"
	OpMsg   = "msg"
)

// Frame is one JSON text message on the socket. Data is base64 on the wire.
type Frame struct {
	Op    string `json:"op" validate:"required,oneof=sub unsub pub msg"`
	Topic string `json:"topic" validate:"required"`
	From  string `json:"from,omitempty"`
	Data  []byte `json:"data,omitempty"`
}
