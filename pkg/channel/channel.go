// Package channel defines the interface for external chat networks bridged
// into huddle rooms. A bridged room is an ordinary room whose id is the
// network's room id; inbound messages go through the same pipeline as
// messages posted over HTTP, and assistant messages are sent back out.
package channel

import "context"

// Message is an inbound message from a bridged network.
type Message struct {
	// Source identifies the network (e.g. "matrix").
	Source string

	// ID is the network's event id. It becomes the message client id, so a
	// redelivered event is stored once.
	ID string

	// SenderID is the network-specific sender identifier.
	SenderID string

	// RoomID is the network-specific room identifier.
	RoomID string

	// RoomName is a display name for the room, if the network has one.
	RoomName string

	// Content is the message text.
	Content string

	// Timestamp is the message timestamp in milliseconds.
	Timestamp int64
}

// Response is an outbound message to a bridged room.
type Response struct {
	RoomID  string
	Content string
}

// Channel is a bridged chat network.
type Channel interface {
	// Name returns the network identifier (e.g. "matrix").
	Name() string

	// Start connects and delivers inbound messages to handler. Blocks until
	// ctx is cancelled.
	Start(ctx context.Context, handler MessageHandler) error

	// Send posts a message to a room on this network.
	Send(ctx context.Context, resp Response) error

	// Stop disconnects.
	Stop() error
}

// MessageHandler receives inbound messages. A returned error is reported
// back into the originating room.
type MessageHandler func(ctx context.Context, msg Message) error
