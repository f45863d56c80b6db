package waku

import (
	"encoding/json"
	"sync"
)

// Frame is one engine-to-core unit on the wire: a decrypted inbound item,
// an acknowledgement, or a directory announcement. Payload is the
// kind-specific body.
type Frame struct {
	ID        string          `json:"id"`
	SenderID  string          `json:"sender_id"`
	Recipient string          `json:"recipient"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

const (
	FrameKindItem       = "item"
	FrameKindAck        = "ack"
	FrameKindContact    = "contact"
	FrameKindGroup      = "group"
	FrameKindAttachment = "attachment"
)

// frameBus is the in-process transport used by the mock build. Frames for
// recipients without a subscriber wait in a mailbox and drain on
// subscription, mirroring store-and-forward delivery.
type frameBus struct {
	mu          sync.Mutex
	subscribers map[string]func(Frame)
	mailbox     map[string][]Frame
}

var globalBus = &frameBus{
	subscribers: make(map[string]func(Frame)),
	mailbox:     make(map[string][]Frame),
}

func (b *frameBus) publish(f Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if handler, ok := b.subscribers[f.Recipient]; ok {
		go handler(f)
		return
	}
	b.mailbox[f.Recipient] = append(b.mailbox[f.Recipient], f)
}

func (b *frameBus) subscribe(recipient string, handler func(Frame)) {
	b.mu.Lock()
	b.subscribers[recipient] = handler
	pending := append([]Frame(nil), b.mailbox[recipient]...)
	delete(b.mailbox, recipient)
	b.mu.Unlock()

	for _, f := range pending {
		handler(f)
	}
}

func (b *frameBus) unsubscribe(recipient string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, recipient)
}
