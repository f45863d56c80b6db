package events

// User intents raised by the host UI.
const (
	TopicIntentDeleteMessage      = "intent.delete_message"
	TopicIntentDeleteDiscussion   = "intent.delete_discussion"
	TopicIntentSendDraft          = "intent.send_draft"
	TopicIntentMarkRead           = "intent.mark_read"
	TopicIntentMarkDiscussionRead = "intent.mark_discussion_read"
	TopicIntentReact              = "intent.react"
	TopicIntentEdit               = "intent.edit"
	TopicIntentDiscussionLeft     = "intent.discussion_left"
)

// Engine callbacks forwarded onto the bus.
const (
	TopicEnginePayloadReceived      = "engine.payload_received"
	TopicEngineMessageAcknowledged  = "engine.message_acknowledged"
	TopicEngineReturnReceipt        = "engine.return_receipt"
	TopicEngineAttachmentProgress   = "engine.attachment_progress"
	TopicEngineAttachmentDownloaded = "engine.attachment_downloaded"
	TopicEngineContactAdded         = "engine.contact_added"
	TopicEngineGroupCreated         = "engine.group_created"
)

// Core emissions consumed by the host UI.
const (
	TopicMessageDeleted  = "core.message_deleted"
	TopicMessageCreated  = "core.message_created"
	TopicMessageEdited   = "core.message_edited"
	TopicDiscussionWiped = "core.discussion_wiped"
	TopicDraftSendFailed = "core.draft_send_failed"
	TopicScreenCaptured  = "core.screen_captured"
	TopicSettingsQueried = "core.settings_queried"
)
