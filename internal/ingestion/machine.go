// Package ingestion classifies decrypted inbound payloads and applies each
// kind's handler against the store. The machine never talks to the engine
// itself: the caller reads the outcome and directive off the Result and
// issues the matching engine calls after commit.
package ingestion

import (
	"context"
	"log/slog"
	"time"

	"loom-chat/go-core/internal/engine"
	"loom-chat/go-core/internal/events"
	"loom-chat/go-core/internal/holding"
	"loom-chat/go-core/internal/lifecycle"
	"loom-chat/go-core/internal/policy"
	"loom-chat/go-core/internal/storage"
	"loom-chat/go-core/pkg/models"
)

const (
	OutcomeProcessed         = "processed"
	OutcomePendingDependency = "pending_dependency"
	OutcomePermanentFailure  = "permanent_failure"
)

// Result is the disposition of one inbound item. Directive is only
// meaningful for OutcomeProcessed; MissingDependency only for
// OutcomePendingDependency.
type Result struct {
	Outcome           string
	MissingDependency *holding.DependencyKey
	Directive         engine.AttachmentsDirective
	Err               error
}

func processed(directive engine.AttachmentsDirective) Result {
	return Result{Outcome: OutcomeProcessed, Directive: directive}
}

func processedNoOp() Result {
	return processed(engine.AttachmentsDirective{Kind: engine.DirectiveNoOp})
}

func permanent(err error) Result {
	return Result{Outcome: OutcomePermanentFailure, Err: err}
}

func pending(key holding.DependencyKey) Result {
	return Result{Outcome: OutcomePendingDependency, MissingDependency: &key}
}

type Machine struct {
	lifecycle    *lifecycle.Manager
	signaling    engine.CallSignaling
	router       *events.Router
	log          *slog.Logger
	autoDownload bool
	now          func() time.Time
}

type MachineOptions struct {
	// AutoDownloadAttachments requests downloads for every attachment of
	// a new message instead of leaving them for an explicit user action.
	AutoDownloadAttachments bool
}

func NewMachine(lc *lifecycle.Manager, signaling engine.CallSignaling, router *events.Router, log *slog.Logger, opts MachineOptions) *Machine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Machine{
		lifecycle:    lc,
		signaling:    signaling,
		router:       router,
		log:          log,
		autoDownload: opts.AutoDownloadAttachments,
		now:          time.Now,
	}
}

// Process dispatches one decrypted item. The table is evaluated by
// sub-payload presence; decode failure or an ambiguous item is a permanent
// failure and the caller discards the envelope.
func (m *Machine) Process(ctx context.Context, tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, raw []byte) Result {
	item, err := decode(raw)
	if err != nil {
		return permanent(err)
	}

	switch {
	case item.Signaling != nil:
		return m.handleSignaling(ctx, env, item.Signaling)
	case item.Message != nil:
		return m.handleNewMessage(tx, fx, env, item.Message)
	case item.SharedConfiguration != nil:
		return m.handleSharedConfiguration(tx, fx, env, item.SharedConfiguration)
	case item.DeleteMessages != nil:
		return m.handleDeleteMessages(tx, fx, env, item.DeleteMessages)
	case item.DeleteDiscussion != nil:
		return m.handleDeleteDiscussion(tx, fx, env, item.DeleteDiscussion)
	case item.UpdateMessage != nil:
		return m.handleUpdateMessage(tx, fx, env, item.UpdateMessage)
	case item.Reaction != nil:
		return m.handleReaction(tx, env, item.Reaction)
	case item.QuerySharedSettings != nil:
		return m.handleQuerySharedSettings(tx, fx, env, item.QuerySharedSettings)
	case item.ScreenCapture != nil:
		return m.handleScreenCapture(tx, fx, env, item.ScreenCapture)
	case item.LimitedVisibilityOpened != nil:
		return m.handleLimitedVisibilityOpened(tx, fx, env, item.LimitedVisibilityOpened)
	case item.DiscussionRead != nil:
		return m.handleDiscussionRead(tx, fx, env, item.DiscussionRead)
	}
	return permanent(ErrMalformedPayload)
}

// resolveDiscussion finds the target discussion or names the dependency
// that is missing.
func (m *Machine) resolveDiscussion(tx *storage.Tx, env engine.InboundEnvelope, loc Locator) (models.Discussion, *holding.DependencyKey) {
	if loc.GroupIdentifier != "" {
		if disc, ok := tx.DiscussionByGroup(env.OwnedIdentity, loc.GroupIdentifier); ok {
			return disc, nil
		}
		return models.Discussion{}, &holding.DependencyKey{
			Kind: holding.DependencyGroup, OwnedIdentity: env.OwnedIdentity, Identifier: loc.GroupIdentifier,
		}
	}
	contact := env.SenderIdentity
	if env.FromOtherOwnedDevice {
		contact = loc.Contact
	}
	if disc, ok := tx.DiscussionByContact(env.OwnedIdentity, contact); ok {
		return disc, nil
	}
	return models.Discussion{}, &holding.DependencyKey{
		Kind: holding.DependencyContact, OwnedIdentity: env.OwnedIdentity, Identifier: contact,
	}
}

func (m *Machine) group(tx *storage.Tx, disc models.Discussion) *models.Group {
	if disc.GroupIdentifier == "" {
		return nil
	}
	if grp, ok := tx.Group(disc.OwnedIdentity, disc.GroupIdentifier); ok {
		return &grp
	}
	return nil
}

func (m *Machine) requester(env engine.InboundEnvelope) policy.Requester {
	if env.FromOtherOwnedDevice {
		return policy.Requester{Kind: policy.RequesterOwnedGlobal, Identity: env.OwnedIdentity}
	}
	return policy.Requester{Kind: policy.RequesterContact, Identity: env.SenderIdentity}
}

func (m *Machine) senderReference(env engine.InboundEnvelope, p *MessagePayload) models.MessageReference {
	sender := env.SenderIdentity
	if env.FromOtherOwnedDevice {
		sender = env.OwnedIdentity
	}
	return models.MessageReference{
		SenderIdentity:       sender,
		SenderThreadID:       p.SenderThreadID,
		SenderSequenceNumber: p.SenderSequenceNumber,
	}
}

func (m *Machine) handleSignaling(ctx context.Context, env engine.InboundEnvelope, p *SignalingPayload) Result {
	if m.signaling != nil {
		m.signaling.HandleSignalingPayload(ctx, env.SenderIdentity, p.Raw)
	}
	return processedNoOp()
}

func (m *Machine) handleNewMessage(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *MessagePayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}

	ref := m.senderReference(env, p)
	if prev, exists := tx.MessageByReference(ref); exists {
		if p.OverridePrevious {
			return m.overrideMessage(tx, fx, prev, p)
		}
		// duplicate delivery of an already ingested message
		m.log.Debug("duplicate message ignored", "discussion_id", disc.ID,
			"sender_identity", ref.SenderIdentity, "sequence", ref.SenderSequenceNumber)
		return processedNoOp()
	}

	msg := models.Message{
		ID:           models.NewMessageID(),
		DiscussionID: disc.ID,
		Timestamp:    env.UploadedAt,
		Body:         p.Body,
		Reference:    ref,
		RepliesTo:    models.ReplyTo{State: models.ReplyToNone},
	}
	if p.Expiration != nil {
		msg.ReadOnce = p.Expiration.ReadOnce
		msg.Visibility = p.Expiration.VisibilityDuration
		msg.Existence = p.Expiration.ExistenceDuration
	}
	for i := 0; i < env.AttachmentCount; i++ {
		att := models.Attachment{
			ID:        models.NewMessageID(),
			MessageID: msg.ID,
			Number:    i,
			Status:    models.AttachmentStatusPending,
		}
		if i < len(p.AttachmentFilenames) {
			att.Filename = p.AttachmentFilenames[i]
		}
		msg.Attachments = append(msg.Attachments, att)
	}
	if env.FromOtherOwnedDevice {
		msg.Kind = models.MessageKindSent
		msg.Sent = &models.SentDetails{Status: models.SentStatusSent}
	} else {
		msg.Kind = models.MessageKindReceived
		msg.Received = &models.ReceivedDetails{
			EngineIdentifier:      env.EngineIdentifier,
			ContactIdentity:       env.SenderIdentity,
			Status:                models.ReceivedStatusNew,
			ReturnReceiptElements: p.ReturnReceiptElements,
		}
	}

	if p.RepliesTo != nil && !p.RepliesTo.IsZero() {
		if target, ok := tx.MessageByReference(*p.RepliesTo); ok {
			msg.RepliesTo = models.ReplyTo{State: models.ReplyToKnown, MessageID: target.ID}
		} else {
			msg.RepliesTo = models.ReplyTo{State: models.ReplyToPending, Reference: *p.RepliesTo}
			tx.PutPendingReplyTo(models.PendingReplyTo{
				Reference:         *p.RepliesTo,
				ReplyingMessageID: msg.ID,
				OwnedIdentity:     env.OwnedIdentity,
				CreatedAt:         m.now(),
			})
		}
	}

	tx.PlaceMessage(&msg)
	tx.PutMessage(msg)
	m.lifecycle.ScheduleExistenceExpiration(tx, msg)
	m.resolvePendingRepliesTo(tx, msg)

	if msg.Received != nil {
		m.lifecycle.StageDeliveredReceipt(fx, env.OwnedIdentity, msg)
	}
	m.publish(fx, events.TopicMessageCreated, msg.ID)
	return processed(lifecycle.ComputeAttachmentsDirective(msg, m.autoDownload))
}

// overrideMessage replaces the content of an already persisted copy of the
// same message. The authoritative engine delivery supersedes a provisional
// copy; a wiped message stays wiped.
func (m *Machine) overrideMessage(tx *storage.Tx, fx lifecycle.Effects, msg models.Message, p *MessagePayload) Result {
	if msg.Wiped {
		return processedNoOp()
	}
	msg.Body = p.Body
	if msg.Received != nil {
		msg.Received.ReturnReceiptElements = p.ReturnReceiptElements
	}
	for i := range msg.Attachments {
		if i < len(p.AttachmentFilenames) {
			msg.Attachments[i].Filename = p.AttachmentFilenames[i]
		}
	}
	if p.RepliesTo != nil && !p.RepliesTo.IsZero() {
		if target, ok := tx.MessageByReference(*p.RepliesTo); ok {
			msg.RepliesTo = models.ReplyTo{State: models.ReplyToKnown, MessageID: target.ID}
		}
	}
	tx.PutMessage(msg)
	m.publish(fx, events.TopicMessageEdited, msg.ID)
	return processed(lifecycle.ComputeAttachmentsDirective(msg, m.autoDownload))
}

// resolvePendingRepliesTo rewires every message that was waiting for this
// one and drops the placeholders.
func (m *Machine) resolvePendingRepliesTo(tx *storage.Tx, msg models.Message) {
	for _, pendingReply := range tx.PendingRepliesTo(msg.Reference) {
		replying, ok := tx.Message(pendingReply.ReplyingMessageID)
		if ok {
			replying.RepliesTo = models.ReplyTo{State: models.ReplyToKnown, MessageID: msg.ID}
			tx.PutMessage(replying)
		}
		tx.DeletePendingReplyTo(pendingReply)
	}
}

func (m *Machine) handleSharedConfiguration(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *SharedConfigurationPayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	if !p.Configuration.Supersedes(disc.SharedConfig) {
		m.log.Debug("stale shared configuration ignored", "discussion_id", disc.ID,
			"incoming_version", p.Configuration.Version, "current_version", disc.SharedConfig.Version)
		return processedNoOp()
	}
	disc.SharedConfig = p.Configuration
	tx.PutDiscussion(disc)
	m.insertSystemMessage(tx, disc, models.SystemCategorySettingsUpdate, env.SenderIdentity)
	return processedNoOp()
}

func (m *Machine) handleDeleteMessages(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *DeleteMessagesPayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	grp := m.group(tx, disc)
	req := m.requester(env)

	// authorization first: nothing is wiped if any target is not allowed
	targets := make([]models.Message, 0, len(p.References))
	for _, ref := range p.References {
		msg, ok := tx.MessageByReference(ref)
		if !ok {
			continue
		}
		if err := policy.CheckDeleteMessage(req, disc, msg, grp); err != nil {
			return permanent(err)
		}
		targets = append(targets, msg)
	}
	actor := env.SenderIdentity
	if env.FromOtherOwnedDevice {
		actor = env.OwnedIdentity
	}
	now := m.now()
	for _, msg := range targets {
		m.lifecycle.Wipe(tx, fx, msg.ID, actor, now)
		m.publish(fx, events.TopicMessageDeleted, msg.ID)
	}
	return processedNoOp()
}

func (m *Machine) handleDeleteDiscussion(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *DeleteDiscussionPayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	if err := policy.CheckDeleteDiscussion(m.requester(env), disc, m.group(tx, disc)); err != nil {
		return permanent(err)
	}
	for _, msg := range tx.MessagesInDiscussion(disc.ID) {
		m.lifecycle.CancelTransfers(tx, fx, msg)
		tx.DeleteMessage(msg.ID)
	}
	m.insertSystemMessage(tx, disc, models.SystemCategoryDiscussionWipe, env.SenderIdentity)
	m.publish(fx, events.TopicDiscussionWiped, disc.ID)
	return processedNoOp()
}

func (m *Machine) handleUpdateMessage(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *UpdateMessagePayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	// only the original sender may edit their message
	actor := env.SenderIdentity
	if env.FromOtherOwnedDevice {
		actor = env.OwnedIdentity
	}
	if p.Reference.SenderIdentity != actor {
		return permanent(&policy.NotAllowedError{
			Requester: policy.Requester{Kind: policy.RequesterContact, Identity: actor},
			Operation: "edit message",
			Reason:    "only the sender can edit a message",
		})
	}
	msg, ok := tx.MessageByReference(p.Reference)
	if !ok {
		m.log.Debug("edit for unknown message ignored", "discussion_id", disc.ID)
		return processedNoOp()
	}
	m.lifecycle.ApplyEdit(tx, msg.ID, p.NewBody, actor, m.now())
	m.publish(fx, events.TopicMessageEdited, msg.ID)
	return processedNoOp()
}

func (m *Machine) handleReaction(tx *storage.Tx, env engine.InboundEnvelope, p *ReactionPayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	sender := env.SenderIdentity
	if env.FromOtherOwnedDevice {
		sender = env.OwnedIdentity
	}
	if err := policy.CheckSetReaction(sender, env.FromOtherOwnedDevice, disc, m.group(tx, disc)); err != nil {
		return permanent(err)
	}
	msg, ok := tx.MessageByReference(p.Reference)
	if !ok {
		return processedNoOp()
	}
	m.lifecycle.ApplyReaction(tx, msg.ID, sender, p.Emoji, m.now())
	return processedNoOp()
}

func (m *Machine) handleQuerySharedSettings(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *QuerySharedSettingsPayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	// answer only when we hold a newer version than the asker
	if disc.SharedConfig.Version <= p.KnownVersion {
		return processedNoOp()
	}
	m.publish(fx, events.TopicSettingsQueried, SettingsQueryAnswer{
		DiscussionID:  disc.ID,
		Asker:         env.SenderIdentity,
		Configuration: disc.SharedConfig,
	})
	return processedNoOp()
}

// SettingsQueryAnswer is published when a contact asks for the current
// shared settings; the app layer sends the answer.
type SettingsQueryAnswer struct {
	DiscussionID  string
	Asker         string
	Configuration models.SharedConfiguration
}

func (m *Machine) handleScreenCapture(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *ScreenCapturePayload) Result {
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	m.insertSystemMessage(tx, disc, models.SystemCategoryScreenCapture, env.SenderIdentity)
	m.publish(fx, events.TopicScreenCaptured, disc.ID)
	return processedNoOp()
}

func (m *Machine) handleLimitedVisibilityOpened(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *LimitedVisibilityOpenedPayload) Result {
	if !env.FromOtherOwnedDevice {
		return permanent(ErrMalformedPayload)
	}
	msg, ok := tx.MessageByReference(p.Reference)
	if !ok {
		return processedNoOp()
	}
	if err := m.lifecycle.MarkReceivedRead(tx, fx, msg.ID, m.now()); err != nil {
		return permanent(err)
	}
	return processedNoOp()
}

func (m *Machine) handleDiscussionRead(tx *storage.Tx, fx lifecycle.Effects, env engine.InboundEnvelope, p *DiscussionReadPayload) Result {
	if !env.FromOtherOwnedDevice {
		return permanent(ErrMalformedPayload)
	}
	disc, missing := m.resolveDiscussion(tx, env, p.Locator)
	if missing != nil {
		return pending(*missing)
	}
	for _, msg := range tx.MessagesInDiscussion(disc.ID) {
		if msg.Received == nil || msg.Received.Status == models.ReceivedStatusRead {
			continue
		}
		if !p.ReadUpTo.IsZero() && msg.Timestamp.After(p.ReadUpTo) {
			continue
		}
		if msg.RequiresUserAction() {
			m.lifecycle.MarkReceivedUnread(tx, msg.ID)
			continue
		}
		if err := m.lifecycle.MarkReceivedRead(tx, fx, msg.ID, m.now()); err != nil {
			return permanent(err)
		}
	}
	return processedNoOp()
}

func (m *Machine) insertSystemMessage(tx *storage.Tx, disc models.Discussion, category, detail string) {
	msg := models.Message{
		ID:           models.NewMessageID(),
		DiscussionID: disc.ID,
		Timestamp:    m.now(),
		Kind:         models.MessageKindSystem,
		System:       &models.SystemDetails{Category: category, Detail: detail},
	}
	tx.PlaceMessage(&msg)
	tx.PutMessage(msg)
}

func (m *Machine) publish(fx lifecycle.Effects, topic string, payload any) {
	if m.router == nil {
		return
	}
	fx.Defer(func() { m.router.Publish(topic, payload) })
}
