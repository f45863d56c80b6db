package waku

import (
	"encoding/json"
	"log/slog"

	"loom-chat/go-core/internal/app"
	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/events"
	"loom-chat/go-core/internal/lifecycle"
	"loom-chat/go-core/internal/platform/privacylog"
	"loom-chat/go-core/pkg/models"
)

// ItemBody is the FrameKindItem payload: one decrypted inbound item with
// its envelope metadata.
type ItemBody struct {
	Envelope engine.InboundEnvelope `json:"envelope"`
	Raw      json.RawMessage        `json:"raw"`
}

// Bridge turns engine frames received over the mesh into coordinator
// events. One bridge serves one owned identity's node.
type Bridge struct {
	node   *Node
	router *events.Router
	log    *slog.Logger
}

func NewBridge(node *Node, router *events.Router, logHandler slog.Handler) *Bridge {
	return &Bridge{node: node, router: router, log: privacylog.New(logHandler)}
}

// Attach subscribes the bridge to the node's frame stream. The node must be
// started and carry an identity.
func (b *Bridge) Attach() error {
	return b.node.SubscribeFrames(b.dispatch)
}

func (b *Bridge) dispatch(f Frame) {
	switch f.Kind {
	case FrameKindItem:
		var body ItemBody
		if err := json.Unmarshal(f.Payload, &body); err != nil {
			b.log.Warn("undecodable item frame", "frame_id", f.ID, "error", err)
			return
		}
		b.router.Publish(events.TopicEnginePayloadReceived, app.PayloadReceived{
			Envelope: body.Envelope,
			Raw:      body.Raw,
		})
	case FrameKindAck:
		var u lifecycle.DeliveryUpdate
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			b.log.Warn("undecodable ack frame", "frame_id", f.ID, "error", err)
			return
		}
		b.router.Publish(events.TopicEngineMessageAcknowledged, u)
	case FrameKindContact:
		var contact models.Contact
		if err := json.Unmarshal(f.Payload, &contact); err != nil {
			b.log.Warn("undecodable contact frame", "frame_id", f.ID, "error", err)
			return
		}
		b.router.Publish(events.TopicEngineContactAdded, contact)
	case FrameKindGroup:
		var grp models.Group
		if err := json.Unmarshal(f.Payload, &grp); err != nil {
			b.log.Warn("undecodable group frame", "frame_id", f.ID, "error", err)
			return
		}
		b.router.Publish(events.TopicEngineGroupCreated, grp)
	case FrameKindAttachment:
		var ev app.AttachmentEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			b.log.Warn("undecodable attachment frame", "frame_id", f.ID, "error", err)
			return
		}
		topic := events.TopicEngineAttachmentProgress
		if ev.Status == models.AttachmentStatusComplete {
			topic = events.TopicEngineAttachmentDownloaded
		}
		b.router.Publish(topic, ev)
	default:
		b.log.Warn("unknown frame kind", "frame_id", f.ID, "kind", f.Kind)
	}
}
