package app

import (
	"context"
	"fmt"
	"time"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/events"
	"loom-chat/go-core/internal/holding"
	"loom-chat/go-core/internal/lifecycle"
	"loom-chat/go-core/internal/pipeline"
	"loom-chat/go-core/internal/policy"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

// Bus payload types. The host publishes intents, the engine bridge
// publishes callbacks; the coordinator subscribes to both.
type (
	PayloadReceived struct {
		Envelope engine.InboundEnvelope
		Raw      []byte
	}
	DeleteMessageIntent struct {
		MessageID string
		Global    bool
	}
	DeleteDiscussionIntent struct {
		DiscussionID string
	}
	MarkReadIntent struct {
		MessageID string
	}
	MarkDiscussionReadIntent struct {
		DiscussionID string
	}
	ReactIntent struct {
		MessageID string
		Emoji     string
	}
	EditIntent struct {
		MessageID string
		NewBody   string
	}
	DiscussionLeftIntent struct {
		DiscussionID string
	}
	SendDraftIntent struct {
		DiscussionID string
		Body         string
		Recipients   []string
	}
	AttachmentEvent struct {
		EngineIdentifier []byte
		Number           int
		Status           string
	}
	ReturnReceiptReceived struct {
		Nonce  []byte
		Sealed []byte
	}
)

func (c *Coordinator) subscribe() {
	sub := func(topic string, handler func(events.Event)) {
		c.unsubscribe = append(c.unsubscribe, c.router.Subscribe(topic, handler))
	}
	ctx := context.Background()

	sub(events.TopicEnginePayloadReceived, func(e events.Event) {
		if p, ok := e.Payload.(PayloadReceived); ok {
			if err := c.ProcessInboundPayload(ctx, p.Envelope, p.Raw); err != nil {
				c.log.Warn("inbound payload not processed", "error", err)
			}
		}
	})
	sub(events.TopicEngineMessageAcknowledged, func(e events.Event) {
		if u, ok := e.Payload.(lifecycle.DeliveryUpdate); ok {
			if err := c.ApplyDeliveryUpdate(ctx, u); err != nil {
				c.log.Warn("delivery update dropped", "error", err)
			}
		}
	})
	sub(events.TopicEngineReturnReceipt, func(e events.Event) {
		if rr, ok := e.Payload.(ReturnReceiptReceived); ok {
			if err := c.ApplyReturnReceipt(ctx, rr); err != nil {
				c.log.Warn("return receipt dropped", "error", err)
			}
		}
	})
	sub(events.TopicEngineAttachmentProgress, func(e events.Event) {
		if a, ok := e.Payload.(AttachmentEvent); ok {
			c.HandleAttachmentEvent(ctx, a)
		}
	})
	sub(events.TopicEngineAttachmentDownloaded, func(e events.Event) {
		if a, ok := e.Payload.(AttachmentEvent); ok {
			a.Status = models.AttachmentStatusComplete
			c.HandleAttachmentEvent(ctx, a)
		}
	})
	sub(events.TopicEngineContactAdded, func(e events.Event) {
		if contact, ok := e.Payload.(models.Contact); ok {
			if err := c.ContactAdded(ctx, contact); err != nil {
				c.log.Warn("contact not recorded", "error", err)
			}
		}
	})
	sub(events.TopicEngineGroupCreated, func(e events.Event) {
		if grp, ok := e.Payload.(models.Group); ok {
			if err := c.GroupCreated(ctx, grp); err != nil {
				c.log.Warn("group not recorded", "error", err)
			}
		}
	})

	sub(events.TopicIntentDeleteMessage, func(e events.Event) {
		if in, ok := e.Payload.(DeleteMessageIntent); ok {
			if err := c.DeleteMessage(ctx, in.MessageID, in.Global); err != nil {
				c.log.Warn("delete message intent failed", "message_id", in.MessageID, "error", err)
			}
		}
	})
	sub(events.TopicIntentDeleteDiscussion, func(e events.Event) {
		if in, ok := e.Payload.(DeleteDiscussionIntent); ok {
			if err := c.DeleteDiscussion(ctx, in.DiscussionID); err != nil {
				c.log.Warn("delete discussion intent failed", "discussion_id", in.DiscussionID, "error", err)
			}
		}
	})
	sub(events.TopicIntentMarkRead, func(e events.Event) {
		if in, ok := e.Payload.(MarkReadIntent); ok {
			_ = c.MarkMessageRead(ctx, in.MessageID)
		}
	})
	sub(events.TopicIntentMarkDiscussionRead, func(e events.Event) {
		if in, ok := e.Payload.(MarkDiscussionReadIntent); ok {
			_ = c.MarkDiscussionRead(ctx, in.DiscussionID)
		}
	})
	sub(events.TopicIntentReact, func(e events.Event) {
		if in, ok := e.Payload.(ReactIntent); ok {
			_ = c.React(ctx, in.MessageID, in.Emoji)
		}
	})
	sub(events.TopicIntentEdit, func(e events.Event) {
		if in, ok := e.Payload.(EditIntent); ok {
			_ = c.EditMessage(ctx, in.MessageID, in.NewBody)
		}
	})
	sub(events.TopicIntentDiscussionLeft, func(e events.Event) {
		if in, ok := e.Payload.(DiscussionLeftIntent); ok {
			_ = c.DiscussionLeft(ctx, in.DiscussionID)
		}
	})
	sub(events.TopicIntentSendDraft, func(e events.Event) {
		if in, ok := e.Payload.(SendDraftIntent); ok {
			if _, err := c.SendDraft(ctx, in); err != nil {
				c.router.Publish(events.TopicDraftSendFailed, in.DiscussionID)
			}
		}
	})
}

func (c *Coordinator) runUnit(ctx context.Context, name string, steps ...pipeline.StoreStep) error {
	unit := c.pipe.StoreUnit(name, steps...)
	c.pipe.Enqueue(unit)
	return c.pipe.Await(ctx, unit)
}

// DeleteMessage handles the local user's delete intent. A local delete
// removes the row; a global delete leaves a wiped tombstone and is relayed
// to other participants by the host. Both cancel in-flight transfers.
func (c *Coordinator) DeleteMessage(ctx context.Context, messageID string, global bool) error {
	var authErr error
	err := c.runUnit(ctx, "delete message",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			msg, ok := tx.Message(messageID)
			if !ok {
				return nil
			}
			disc, ok := tx.Discussion(msg.DiscussionID)
			if !ok {
				return nil
			}
			req := policy.Requester{Kind: policy.RequesterOwnedLocal, Identity: disc.OwnedIdentity}
			if global {
				req.Kind = policy.RequesterOwnedGlobal
			}
			var grp *models.Group
			if disc.GroupIdentifier != "" {
				if g, ok := tx.Group(disc.OwnedIdentity, disc.GroupIdentifier); ok {
					grp = &g
				}
			}
			if err := policy.CheckDeleteMessage(req, disc, msg, grp); err != nil {
				authErr = err
				return err
			}
			if global {
				// Wipe cancels the message's transfers itself.
				c.mgr.Wipe(tx, fx, messageID, "", time.Now())
			} else {
				c.mgr.CancelTransfers(tx, fx, msg)
				tx.DeleteMessage(messageID)
			}
			fx.Defer(func() { c.router.Publish(events.TopicMessageDeleted, messageID) })
			return nil
		})
	if authErr != nil {
		return authErr
	}
	return err
}

// DeleteDiscussion deletes the whole discussion locally, messages first.
func (c *Coordinator) DeleteDiscussion(ctx context.Context, discussionID string) error {
	return c.runUnit(ctx, "delete discussion",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			_, ok := tx.Discussion(discussionID)
			if !ok {
				return nil
			}
			for _, msg := range tx.MessagesInDiscussion(discussionID) {
				c.mgr.CancelTransfers(tx, fx, msg)
			}
			tx.DeleteDiscussion(discussionID)
			fx.Defer(func() { c.router.Publish(events.TopicDiscussionWiped, discussionID) })
			return nil
		})
}

func (c *Coordinator) MarkMessageRead(ctx context.Context, messageID string) error {
	return c.runUnit(ctx, "mark message read",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			return c.mgr.MarkReceivedRead(tx, fx, messageID, time.Now())
		})
}

func (c *Coordinator) MarkDiscussionRead(ctx context.Context, discussionID string) error {
	return c.runUnit(ctx, "mark discussion read",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			return c.mgr.MarkDiscussionRead(tx, fx, discussionID, time.Now())
		})
}

// React sets or clears (empty emoji) the owned identity's reaction.
func (c *Coordinator) React(ctx context.Context, messageID, emoji string) error {
	return c.runUnit(ctx, "react",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			msg, ok := tx.Message(messageID)
			if !ok {
				return nil
			}
			disc, ok := tx.Discussion(msg.DiscussionID)
			if !ok {
				return nil
			}
			c.mgr.ApplyReaction(tx, messageID, disc.OwnedIdentity, emoji, time.Now())
			return nil
		})
}

// EditMessage rewrites the body of an own sent message.
func (c *Coordinator) EditMessage(ctx context.Context, messageID, newBody string) error {
	return c.runUnit(ctx, "edit message",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			msg, ok := tx.Message(messageID)
			if !ok || msg.Sent == nil {
				return nil
			}
			disc, _ := tx.Discussion(msg.DiscussionID)
			c.mgr.ApplyEdit(tx, messageID, newBody, disc.OwnedIdentity, time.Now())
			fx.Defer(func() { c.router.Publish(events.TopicMessageEdited, messageID) })
			return nil
		})
}

// DiscussionLeft wipes viewed read-once content when the user navigates
// away.
func (c *Coordinator) DiscussionLeft(ctx context.Context, discussionID string) error {
	return c.runUnit(ctx, "discussion left",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			c.mgr.DiscussionLeft(tx, fx, discussionID, time.Now())
			return nil
		})
}

// SendDraft creates the local sent message and its per-recipient rows; the
// engine picks the message up from there and acknowledgements drive the
// aggregate status.
func (c *Coordinator) SendDraft(ctx context.Context, in SendDraftIntent) (string, error) {
	if in.Body == "" {
		return "", fmt.Errorf("empty draft")
	}
	var messageID string
	err := c.runUnit(ctx, "send draft",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			disc, ok := tx.Discussion(in.DiscussionID)
			if !ok {
				return fmt.Errorf("unknown discussion")
			}
			recipients := in.Recipients
			if len(recipients) == 0 {
				recipients = discussionRecipients(tx, disc)
			}
			if len(recipients) == 0 {
				return fmt.Errorf("no recipients")
			}
			msg := models.Message{
				ID:           models.NewMessageID(),
				DiscussionID: disc.ID,
				Timestamp:    time.Now(),
				Body:         in.Body,
				ReadOnce:     disc.SharedConfig.ReadOnce,
				Visibility:   disc.SharedConfig.VisibilityDuration,
				Existence:    disc.SharedConfig.ExistenceDuration,
				RepliesTo:    models.ReplyTo{State: models.ReplyToNone},
				Kind:         models.MessageKindSent,
				Sent:         &models.SentDetails{Status: models.SentStatusUnprocessed},
			}
			tx.PlaceMessage(&msg)
			tx.PutMessage(msg)
			c.mgr.ScheduleExistenceExpiration(tx, msg)
			for _, recipient := range recipients {
				nonce, key, err := lifecycle.NewReturnReceiptCredentials()
				if err != nil {
					return fmt.Errorf("return receipt credentials: %w", err)
				}
				tx.PutRecipientInfo(models.RecipientInfo{
					MessageID:                msg.ID,
					RecipientIdentity:        recipient,
					ReturnReceiptNonce:       nonce,
					ReturnReceiptKeyMaterial: key,
				})
			}
			messageID = msg.ID
			fx.Defer(func() { c.router.Publish(events.TopicMessageCreated, msg.ID) })
			return nil
		})
	return messageID, err
}

func discussionRecipients(tx *storage.Tx, disc models.Discussion) []string {
	if disc.ContactIdentity != "" {
		return []string{disc.ContactIdentity}
	}
	if disc.GroupIdentifier == "" {
		return nil
	}
	grp, ok := tx.Group(disc.OwnedIdentity, disc.GroupIdentifier)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(grp.Members))
	for _, member := range grp.Members {
		if member.IsStillMember && !member.IsOwnedIdentity {
			out = append(out, member.Identity)
		}
	}
	return out
}

// ApplyDeliveryUpdate folds an engine acknowledgement into the store.
func (c *Coordinator) ApplyDeliveryUpdate(ctx context.Context, u lifecycle.DeliveryUpdate) error {
	return c.runUnit(ctx, "delivery update",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			return c.mgr.ApplyDeliveryUpdate(tx, fx, u)
		})
}

// ApplyReturnReceipt folds a recipient's sealed delivery or read echo into
// the matching recipient info.
func (c *Coordinator) ApplyReturnReceipt(ctx context.Context, rr ReturnReceiptReceived) error {
	return c.runUnit(ctx, "return receipt",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			return c.mgr.ApplyInboundReturnReceipt(tx, fx, lifecycle.InboundReturnReceipt{
				Nonce:  rr.Nonce,
				Sealed: rr.Sealed,
			})
		})
}

func (c *Coordinator) HandleAttachmentEvent(ctx context.Context, a AttachmentEvent) {
	_ = c.runUnit(ctx, "attachment event",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			c.mgr.HandleAttachmentEvent(tx, a.EngineIdentifier, a.Number, a.Status)
			return nil
		})
}

// ContactAdded records the contact, ensures their one-to-one discussion
// exists, and replays any payloads waiting on them.
func (c *Coordinator) ContactAdded(ctx context.Context, contact models.Contact) error {
	err := c.runUnit(ctx, "contact added",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			if _, ok := tx.DiscussionByContact(contact.OwnedIdentity, contact.Identity); !ok {
				disc := models.Discussion{
					ID:              models.NewMessageID(),
					OwnedIdentity:   contact.OwnedIdentity,
					Kind:            models.DiscussionKindOneToOne,
					ContactIdentity: contact.Identity,
					Title:           contact.DisplayName,
					CreatedAt:       time.Now(),
				}
				tx.PutDiscussion(disc)
				contact.OneToOneDiscussionID = disc.ID
			}
			tx.PutContact(contact)
			return nil
		})
	if err != nil {
		return err
	}
	c.replayDependency(ctx, holding.DependencyKey{
		Kind: holding.DependencyContact, OwnedIdentity: contact.OwnedIdentity, Identifier: contact.Identity,
	})
	return nil
}

// GroupCreated records the group and its discussion, then replays held
// payloads waiting on the group.
func (c *Coordinator) GroupCreated(ctx context.Context, grp models.Group) error {
	err := c.runUnit(ctx, "group created",
		func(ctx context.Context, tx *storage.Tx, fx *pipeline.Effects) error {
			if _, ok := tx.DiscussionByGroup(grp.OwnedIdentity, grp.Identifier); !ok {
				disc := models.Discussion{
					ID:              models.NewMessageID(),
					OwnedIdentity:   grp.OwnedIdentity,
					Kind:            models.NormalizeDiscussionKind(grp.Kind),
					GroupIdentifier: grp.Identifier,
					CreatedAt:       time.Now(),
				}
				tx.PutDiscussion(disc)
				grp.DiscussionID = disc.ID
			}
			tx.PutGroup(grp)
			return nil
		})
	if err != nil {
		return err
	}
	c.replayDependency(ctx, holding.DependencyKey{
		Kind: holding.DependencyGroup, OwnedIdentity: grp.OwnedIdentity, Identifier: grp.Identifier,
	})
	return nil
}
