package realtime

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/bitechdev/ChatMux/pkg/transport"
)

// Frame is an inbound frame as seen by a MessageHandler.
type Frame struct {
	*transport.Frame

	// Subscription is the logical subscription the frame was routed to.
	Subscription SubscriptionID
	// Topic is the topic the subscription was made on.
	Topic string

	parsed *gjson.Result
}

// JSON returns the parsed body.
func (f *Frame) JSON() gjson.Result {
	if f.parsed == nil {
		r := gjson.ParseBytes(f.Body)
		f.parsed = &r
	}
	return *f.parsed
}

// Get returns the value at a gjson path of the body.
func (f *Frame) Get(path string) gjson.Result {
	return f.JSON().Get(path)
}

// Decode unmarshals the body into v.
func (f *Frame) Decode(v any) error {
	return json.Unmarshal(f.Body, v)
}

// MessageHandler consumes frames for one subscription. Returned errors and
// panics are reported and never reach the transport or other handlers.
type MessageHandler interface {
	Handle(ctx context.Context, frame *Frame) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, frame *Frame) error

func (f HandlerFunc) Handle(ctx context.Context, frame *Frame) error {
	return f(ctx, frame)
}
