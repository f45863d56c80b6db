package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58/base58"
)

const (
	MessageKindReceived = "received"
	MessageKindSent     = "sent"
	MessageKindSystem   = "system"
)

// MessageReference globally identifies a message by its sender-assigned
// coordinates, usable before the message exists locally (deferred replies,
// remote deletes, edits, reactions).
type MessageReference struct {
	SenderIdentity       string `json:"sender_identity"`
	SenderThreadID       string `json:"sender_thread_id"`
	SenderSequenceNumber int    `json:"sender_sequence_number"`
}

func (r MessageReference) IsZero() bool {
	return r.SenderIdentity == "" && r.SenderThreadID == "" && r.SenderSequenceNumber == 0
}

// Key renders the reference as a stable map/store key.
func (r MessageReference) Key() string {
	return fmt.Sprintf("%s|%s|%d", r.SenderIdentity, r.SenderThreadID, r.SenderSequenceNumber)
}

const (
	ReplyToNone    = "none"
	ReplyToPending = "pending"
	ReplyToKnown   = "known"
)

// ReplyTo records what a message replies to. Pending means the referenced
// message has not arrived yet and a placeholder exists for it.
type ReplyTo struct {
	State     string           `json:"state"`
	MessageID string           `json:"message_id,omitempty"`
	Reference MessageReference `json:"reference,omitempty"`
}

const (
	MetadataKindRead       = "read"
	MetadataKindWiped      = "wiped"
	MetadataKindRemoteWipe = "remote_wiped"
	MetadataKindEdited     = "edited"
)

type MetadataEntry struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
}

type Reaction struct {
	Sender    string    `json:"sender"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	AttachmentStatusPending           = "pending_download"
	AttachmentStatusDownloading       = "downloading"
	AttachmentStatusComplete          = "complete"
	AttachmentStatusCancelledByServer = "cancelled_by_server"
	AttachmentStatusWiped             = "wiped"
)

type Attachment struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
	Number    int    `json:"number"`
	Filename  string `json:"filename,omitempty"`
	Status    string `json:"status"`
}

// ReceivedDetails is present only on MessageKindReceived messages.
// ReturnReceiptElements are the opaque sender-provided values needed to
// post delivered/read receipts back; without them no receipt is posted.
type ReceivedDetails struct {
	EngineIdentifier      []byte   `json:"engine_identifier"`
	ContactIdentity       string   `json:"contact_identity"`
	Status                string   `json:"status"`
	ReturnReceiptElements [][]byte `json:"return_receipt_elements,omitempty"`
}

// SentDetails is present only on MessageKindSent messages. Recipient infos
// live as separate store rows keyed by (message id, recipient).
type SentDetails struct {
	Status string `json:"status"`
}

const (
	SystemCategoryMemberJoined   = "member_joined"
	SystemCategoryMemberLeft     = "member_left"
	SystemCategorySettingsUpdate = "settings_update"
	SystemCategoryScreenCapture  = "screen_capture"
	SystemCategoryCallLogged     = "call_logged"
	SystemCategoryDiscussionWipe = "discussion_wiped"
)

type SystemDetails struct {
	Category string `json:"category"`
	Detail   string `json:"detail,omitempty"`
}

type Message struct {
	ID           string           `json:"id"`
	DiscussionID string           `json:"discussion_id"`
	SortIndex    float64          `json:"sort_index"`
	Timestamp    time.Time        `json:"timestamp"`
	Body         string           `json:"body,omitempty"`
	Wiped        bool             `json:"wiped,omitempty"`
	ReadOnce     bool             `json:"read_once,omitempty"`
	Visibility   time.Duration    `json:"visibility_duration,omitempty"`
	Existence    time.Duration    `json:"existence_duration,omitempty"`
	Reference    MessageReference `json:"reference"`
	RepliesTo    ReplyTo          `json:"replies_to"`
	Reactions    []Reaction       `json:"reactions,omitempty"`
	Metadata     []MetadataEntry  `json:"metadata,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`

	Kind     string           `json:"kind"`
	Received *ReceivedDetails `json:"received,omitempty"`
	Sent     *SentDetails     `json:"sent,omitempty"`
	System   *SystemDetails   `json:"system,omitempty"`
}

// Clone returns a deep copy. The store hands out clones on every read so
// a caller mutating the result cannot reach committed state.
func (m Message) Clone() Message {
	m.Reactions = slices.Clone(m.Reactions)
	m.Metadata = slices.Clone(m.Metadata)
	m.Attachments = slices.Clone(m.Attachments)
	if m.Received != nil {
		r := *m.Received
		r.EngineIdentifier = slices.Clone(r.EngineIdentifier)
		if len(r.ReturnReceiptElements) > 0 {
			elems := make([][]byte, len(r.ReturnReceiptElements))
			for i, e := range r.ReturnReceiptElements {
				elems[i] = slices.Clone(e)
			}
			r.ReturnReceiptElements = elems
		}
		m.Received = &r
	}
	if m.Sent != nil {
		s := *m.Sent
		m.Sent = &s
	}
	if m.System != nil {
		sys := *m.System
		m.System = &sys
	}
	return m
}

// IsEphemeral reports whether any ephemerality flag is set.
func (m Message) IsEphemeral() bool {
	return m.ReadOnce || m.Visibility > 0 || m.Existence > 0
}

// RequiresUserAction reports whether reading the message takes an explicit
// user interaction. Read-once and visibility-limited content is never read
// as a side effect of opening the discussion.
func (m Message) RequiresUserAction() bool {
	return m.ReadOnce || m.Visibility > 0
}

// HasMetadata reports whether an entry of the given kind was already
// stamped; wipe and remote-wipe stamps are idempotence guards.
func (m Message) HasMetadata(kind string) bool {
	for _, entry := range m.Metadata {
		if entry.Kind == kind {
			return true
		}
	}
	return false
}

// UpsertReaction applies one sender's reaction, replacing any previous one
// from the same sender. An empty emoji removes the sender's reaction.
func (m *Message) UpsertReaction(sender, emoji string, at time.Time) {
	kept := make([]Reaction, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		if r.Sender != sender {
			kept = append(kept, r)
		}
	}
	m.Reactions = kept
	if emoji != "" {
		m.Reactions = append(m.Reactions, Reaction{Sender: sender, Emoji: emoji, Timestamp: at})
	}
}

func NewMessageID() string {
	return uuid.NewString()
}

// EngineIdentifierToken renders a binary engine identifier as a compact
// token safe for store keys and sanitized logs.
func EngineIdentifierToken(id []byte) string {
	if len(id) == 0 {
		return ""
	}
	return base58.Encode(id)
}

func NormalizeMessageKind(raw string) string {
	switch strings.TrimSpace(raw) {
	case MessageKindSent:
		return MessageKindSent
	case MessageKindSystem:
		return MessageKindSystem
	default:
		return MessageKindReceived
	}
}
