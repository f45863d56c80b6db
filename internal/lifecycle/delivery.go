package lifecycle

import (
	"time"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

func sentStatusReached(status, floor string) bool {
	return models.MergeSentStatus(floor, status) == status
}

// DeliveryUpdate is one engine acknowledgement about a sent message. The
// engine identifier names the per-recipient upload; Recipient narrows the
// update when the engine reports it explicitly. MessageID is set on the
// first acknowledgement for a recipient, before the engine identifier is
// known locally; that update binds the identifier to the recipient info.
type DeliveryUpdate struct {
	MessageID        string
	EngineIdentifier []byte
	Recipient        string
	SentAt           time.Time
	AttachmentsAt    time.Time
	DeliveredAt      time.Time
	ReadAt           time.Time
	CouldNotBeSent   bool
}

// ApplyDeliveryUpdate folds an acknowledgement into the recipient infos
// and re-derives the aggregate sent status from the full set. A message
// deleted concurrently makes this a benign no-op. When the aggregate
// reaches read, the engine's acknowledgement history for the message is
// deleted after commit; when a read-once message reaches sent while the
// user is not viewing its discussion, it is wiped in the same transaction.
func (m *Manager) ApplyDeliveryUpdate(tx *storage.Tx, fx Effects, u DeliveryUpdate) error {
	var msg models.Message
	var ok bool
	if u.MessageID != "" {
		msg, ok = tx.Message(u.MessageID)
	} else {
		msg, ok = tx.MessageByEngineIdentifier(u.EngineIdentifier)
	}
	if !ok || msg.Sent == nil {
		return nil
	}

	token := models.EngineIdentifierToken(u.EngineIdentifier)
	for _, info := range tx.RecipientInfos(msg.ID) {
		if u.Recipient != "" && info.RecipientIdentity != u.Recipient {
			continue
		}
		if u.Recipient == "" && models.EngineIdentifierToken(info.EngineIdentifier) != token {
			continue
		}
		if len(info.EngineIdentifier) == 0 && len(u.EngineIdentifier) > 0 {
			info.EngineIdentifier = u.EngineIdentifier
			tx.PutRecipientInfo(info)
		}
		changed := false
		stamp := func(dst *time.Time, src time.Time) {
			if !src.IsZero() && dst.IsZero() {
				*dst = src
				changed = true
			}
		}
		stamp(&info.TimestampMessageSent, u.SentAt)
		stamp(&info.TimestampAllAttachments, u.AttachmentsAt)
		stamp(&info.TimestampDelivered, u.DeliveredAt)
		stamp(&info.TimestampRead, u.ReadAt)
		if u.CouldNotBeSent && !info.CouldNotBeSentToServer {
			info.CouldNotBeSentToServer = true
			changed = true
		}
		if changed {
			tx.PutRecipientInfo(info)
		}
	}

	prev := msg.Sent.Status
	infos := tx.RecipientInfos(msg.ID)
	msg.Sent.Status = models.RecomputeSentStatus(infos)
	tx.PutMessage(msg)

	if msg.Sent.Status == models.SentStatusRead && prev != models.SentStatusRead {
		disc, ok := tx.Discussion(msg.DiscussionID)
		if ok {
			owned := disc.OwnedIdentity
			ids := make([][]byte, 0, len(infos))
			for _, info := range infos {
				if len(info.EngineIdentifier) > 0 {
					ids = append(ids, info.EngineIdentifier)
				}
			}
			fx.Defer(func() { m.deleteAcknowledgementHistory(owned, ids) })
		}
	}

	if msg.ReadOnce && sentStatusReached(msg.Sent.Status, models.SentStatusSent) &&
		!sentStatusReached(prev, models.SentStatusSent) &&
		!m.session.IsViewingDiscussion(msg.DiscussionID) {
		m.Wipe(tx, fx, msg.ID, "", m.now())
	}
	return nil
}

// ComputeAttachmentsDirective decides what the engine should do with each
// attachment of a processed message. A wiped message drops everything; a
// uniform decision collapses to download-all, delete-all or no-op.
func ComputeAttachmentsDirective(msg models.Message, autoDownload bool) engine.AttachmentsDirective {
	if len(msg.Attachments) == 0 {
		return engine.AttachmentsDirective{Kind: engine.DirectiveNoOp}
	}
	if msg.Wiped {
		return engine.AttachmentsDirective{Kind: engine.DirectiveDeleteAll}
	}
	actions := make([]string, len(msg.Attachments))
	uniform := true
	for i, att := range msg.Attachments {
		switch att.Status {
		case models.AttachmentStatusCancelledByServer, models.AttachmentStatusWiped:
			actions[i] = engine.AttachmentActionDelete
		case models.AttachmentStatusComplete, models.AttachmentStatusDownloading:
			actions[i] = engine.AttachmentActionLater
		default:
			if autoDownload {
				actions[i] = engine.AttachmentActionDownload
			} else {
				actions[i] = engine.AttachmentActionLater
			}
		}
		if actions[i] != actions[0] {
			uniform = false
		}
	}
	if uniform {
		switch actions[0] {
		case engine.AttachmentActionDownload:
			return engine.AttachmentsDirective{Kind: engine.DirectiveDownloadAll}
		case engine.AttachmentActionDelete:
			return engine.AttachmentsDirective{Kind: engine.DirectiveDeleteAll}
		case engine.AttachmentActionLater:
			return engine.AttachmentsDirective{Kind: engine.DirectiveNoOp}
		}
	}
	return engine.AttachmentsDirective{Kind: engine.DirectivePerAttachment, Actions: actions}
}

// HandleAttachmentEvent records a progress or cancellation notification.
// Notifications naming a message or attachment already deleted locally are
// benign no-ops; they raced a wipe, which is expected.
func (m *Manager) HandleAttachmentEvent(tx *storage.Tx, engineID []byte, attachmentNumber int, status string) {
	msg, ok := tx.MessageByEngineIdentifier(engineID)
	if !ok {
		m.log.Debug("attachment event for unknown message", "engine_id", models.EngineIdentifierToken(engineID))
		return
	}
	for i, att := range msg.Attachments {
		if att.Number != attachmentNumber {
			continue
		}
		if att.Status == models.AttachmentStatusWiped {
			return
		}
		msg.Attachments[i].Status = status
		tx.PutMessage(msg)
		return
	}
}
