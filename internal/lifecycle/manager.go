// Package lifecycle manages the state machines of stored messages after
// ingestion: read marking and its expirations, wipes and edits, sent-status
// aggregation from recipient infos, attachment directives, return receipts,
// and retention enforcement. Every mutation goes through a store
// transaction supplied by the caller; side effects that cross into the
// engine are staged on the caller's effects collector and fire only after
// commit.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/platform/ratelimiter"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

// Effects is the post-commit side-effect collector. The pipeline's effects
// type satisfies it.
type Effects interface {
	Defer(fn func())
}

type Options struct {
	// MaxReceiptRetries caps transient-failure retries when posting a
	// return receipt.
	MaxReceiptRetries int
	// SendReadReceiptsDefault is the app-wide fallback when a discussion
	// has no local read-receipt setting.
	SendReadReceiptsDefault bool
}

type Manager struct {
	eng      engine.Engine
	session  SessionContext
	limiter  *ratelimiter.MapLimiter
	log      *slog.Logger
	opts     Options
	now      func() time.Time
	dispatch func(ownedIdentity string, receipt engine.ReturnReceipt)
}

func NewManager(eng engine.Engine, session SessionContext, limiter *ratelimiter.MapLimiter, log *slog.Logger, opts Options) *Manager {
	if session == nil {
		session = inactiveSession{}
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if opts.MaxReceiptRetries <= 0 {
		opts.MaxReceiptRetries = 10
	}
	return &Manager{
		eng:     eng,
		session: session,
		limiter: limiter,
		log:     log,
		opts:    opts,
		now:     time.Now,
	}
}

// ScheduleExistenceExpiration stamps the existence deadline for a freshly
// created message. The clock starts at creation, unlike visibility which
// starts at read.
func (m *Manager) ScheduleExistenceExpiration(tx *storage.Tx, msg models.Message) {
	if msg.Existence <= 0 {
		return
	}
	tx.PutExpiration(storage.Expiration{
		MessageID: msg.ID,
		Kind:      storage.ExpirationKindExistence,
		ExpiresAt: msg.Timestamp.Add(msg.Existence),
	})
}

// MarkReceivedRead transitions a received message to read. The marking is
// honored only while the app is initialized and active; in any other phase
// it is a benign no-op, never an error. Visibility expiration starts now,
// and a read receipt is staged when the discussion allows them.
func (m *Manager) MarkReceivedRead(tx *storage.Tx, fx Effects, messageID string, at time.Time) error {
	if m.session.Phase() != PhaseActive {
		m.log.Debug("read marking ignored outside active phase", "message_id", messageID, "phase", m.session.Phase())
		return nil
	}
	msg, ok := tx.Message(messageID)
	if !ok || msg.Received == nil {
		return nil
	}
	if msg.Received.Status == models.ReceivedStatusRead {
		return nil
	}

	msg.Received.Status = models.ReceivedStatusRead
	if !msg.HasMetadata(models.MetadataKindRead) {
		msg.Metadata = append(msg.Metadata, models.MetadataEntry{Kind: models.MetadataKindRead, Timestamp: at})
	}
	if msg.Visibility > 0 {
		tx.PutExpiration(storage.Expiration{
			MessageID: msg.ID,
			Kind:      storage.ExpirationKindVisibility,
			ExpiresAt: at.Add(msg.Visibility),
		})
	}
	tx.PutMessage(msg)

	if owned, receipt, ok := m.readReceiptFor(tx, msg); ok {
		fx.Defer(func() { m.dispatchReceipt(owned, receipt) })
	}
	return nil
}

// MarkDiscussionRead marks every not-yet-read received message in the
// discussion read, posting receipts for each eligible one. Content that
// requires an explicit user action only advances from new to unread. Used
// both for the local user intent and for a discussion-read payload from
// another owned device.
func (m *Manager) MarkDiscussionRead(tx *storage.Tx, fx Effects, discussionID string, at time.Time) error {
	for _, msg := range tx.MessagesInDiscussion(discussionID) {
		if msg.Received == nil || msg.Received.Status == models.ReceivedStatusRead {
			continue
		}
		if msg.RequiresUserAction() {
			m.MarkReceivedUnread(tx, msg.ID)
			continue
		}
		if err := m.MarkReceivedRead(tx, fx, msg.ID, at); err != nil {
			return err
		}
	}
	return nil
}

// MarkReceivedUnread advances a freshly delivered message to unread, the
// state of ephemeral content waiting for an explicit user action.
func (m *Manager) MarkReceivedUnread(tx *storage.Tx, messageID string) {
	msg, ok := tx.Message(messageID)
	if !ok || msg.Received == nil || msg.Received.Status != models.ReceivedStatusNew {
		return
	}
	msg.Received.Status = models.ReceivedStatusUnread
	tx.PutMessage(msg)
}

// Wipe clears the message body, reactions and attachments in place,
// keeping the row as a tombstone. In-flight transfers for the message are
// cancelled at the engine after commit; wiped attachments lose their blob
// reference so the bootstrap sweep reclaims the files. Idempotent: wiping
// an already-wiped message changes nothing and stamps no duplicate
// metadata. remoteActor is empty for local wipes.
func (m *Manager) Wipe(tx *storage.Tx, fx Effects, messageID, remoteActor string, at time.Time) {
	msg, ok := tx.Message(messageID)
	if !ok {
		return
	}
	kind := models.MetadataKindWiped
	if remoteActor != "" {
		kind = models.MetadataKindRemoteWipe
	}
	if msg.Wiped && msg.HasMetadata(kind) {
		return
	}
	if fx != nil {
		m.CancelTransfers(tx, fx, msg)
	}
	msg.Body = ""
	msg.Wiped = true
	msg.Reactions = nil
	for i := range msg.Attachments {
		msg.Attachments[i].Status = models.AttachmentStatusWiped
	}
	if !msg.HasMetadata(kind) {
		msg.Metadata = append(msg.Metadata, models.MetadataEntry{Kind: kind, Timestamp: at, Actor: remoteActor})
	}
	tx.PutMessage(msg)
	tx.DeleteExpiration(messageID, storage.ExpirationKindVisibility)
}

// CancelTransfers stops the engine from moving bytes for a message that is
// being wiped or deleted: uploads for a sent message still processing,
// downloads for any attachment not yet complete.
func (m *Manager) CancelTransfers(tx *storage.Tx, fx Effects, msg models.Message) {
	disc, ok := tx.Discussion(msg.DiscussionID)
	if !ok {
		return
	}
	owned := disc.OwnedIdentity
	if msg.Sent != nil && msg.Sent.Status == models.SentStatusProcessing {
		for _, info := range tx.RecipientInfos(msg.ID) {
			if len(info.EngineIdentifier) == 0 {
				continue
			}
			id := info.EngineIdentifier
			fx.Defer(func() {
				if err := m.eng.CancelMessageUpload(context.Background(), owned, id); err != nil {
					m.log.Warn("cancel message upload",
						"engine_id", models.EngineIdentifierToken(id), "error", err)
				}
			})
		}
	}
	if msg.Received != nil {
		engineID := msg.Received.EngineIdentifier
		for _, att := range msg.Attachments {
			if att.Status != models.AttachmentStatusPending && att.Status != models.AttachmentStatusDownloading {
				continue
			}
			number := att.Number
			fx.Defer(func() {
				if err := m.eng.CancelAttachmentDownload(context.Background(), owned, engineID, number); err != nil {
					m.log.Warn("cancel attachment download",
						"number", number, "error", err)
				}
			})
		}
	}
}

// ApplyEdit replaces the body of a not-yet-wiped message and stamps the
// edit. Editing a wiped message is a benign no-op.
func (m *Manager) ApplyEdit(tx *storage.Tx, messageID, newBody, actor string, at time.Time) {
	msg, ok := tx.Message(messageID)
	if !ok || msg.Wiped {
		return
	}
	msg.Body = newBody
	msg.Metadata = append(msg.Metadata, models.MetadataEntry{Kind: models.MetadataKindEdited, Timestamp: at, Actor: actor})
	tx.PutMessage(msg)
}

// ApplyReaction upserts or removes (empty emoji) one sender's reaction.
// Authorization is the caller's job; reacting to a missing or wiped
// message is a benign no-op.
func (m *Manager) ApplyReaction(tx *storage.Tx, messageID, sender, emoji string, at time.Time) {
	msg, ok := tx.Message(messageID)
	if !ok || msg.Wiped {
		return
	}
	msg.UpsertReaction(sender, emoji, at)
	tx.PutMessage(msg)
}

// WipeExpired wipes every message whose visibility or existence deadline
// passed. Existence expiry deletes the row outright; visibility expiry
// leaves a wiped tombstone.
func (m *Manager) WipeExpired(tx *storage.Tx, fx Effects, expired []string, now time.Time) int {
	n := 0
	for _, id := range expired {
		msg, ok := tx.Message(id)
		if !ok {
			continue
		}
		if exp, ok := tx.Expiration(id, storage.ExpirationKindExistence); ok && !exp.ExpiresAt.After(now) {
			tx.DeleteMessage(id)
			n++
			continue
		}
		if exp, ok := tx.Expiration(id, storage.ExpirationKindVisibility); ok && !exp.ExpiresAt.After(now) {
			if !msg.Wiped {
				m.Wipe(tx, fx, id, "", now)
				n++
			}
			tx.DeleteExpiration(id, storage.ExpirationKindVisibility)
		}
	}
	return n
}

// DiscussionLeft wipes read read-once messages of the discussion the user
// just navigated away from. Read-once content survives exactly one viewing.
func (m *Manager) DiscussionLeft(tx *storage.Tx, fx Effects, discussionID string, at time.Time) {
	for _, msg := range tx.MessagesInDiscussion(discussionID) {
		if !msg.ReadOnce || msg.Wiped {
			continue
		}
		switch {
		case msg.Received != nil && msg.Received.Status == models.ReceivedStatusRead:
			m.Wipe(tx, fx, msg.ID, "", at)
		case msg.Sent != nil && sentStatusReached(msg.Sent.Status, models.SentStatusSent):
			m.Wipe(tx, fx, msg.ID, "", at)
		}
	}
}

// EnforceRetention applies the discussion's count and age caps, deleting
// the oldest messages first. Messages are deleted, not wiped; retention is
// local housekeeping, not an ephemerality feature.
func (m *Manager) EnforceRetention(tx *storage.Tx, disc models.Discussion, now time.Time) int {
	msgs := tx.MessagesInDiscussion(disc.ID)
	deleted := 0
	if age := disc.LocalConfig.RetentionAge; age > 0 {
		cutoff := now.Add(-age)
		for _, msg := range msgs {
			if msg.Timestamp.Before(cutoff) {
				tx.DeleteMessage(msg.ID)
				deleted++
			}
		}
		msgs = tx.MessagesInDiscussion(disc.ID)
	}
	if count := disc.LocalConfig.RetentionCount; count > 0 && len(msgs) > count {
		for _, msg := range msgs[:len(msgs)-count] {
			tx.DeleteMessage(msg.ID)
			deleted++
		}
	}
	if deleted > 0 {
		m.log.Info("retention enforced", "discussion_id", disc.ID, "deleted", deleted)
	}
	return deleted
}
