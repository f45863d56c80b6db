package storage

import (
	"fmt"
	"time"

	"loom-chat/go-core/pkg/models"
)

// Key namespaces. Message keys embed the zero-padded sort index so a pebble
// prefix scan walks a discussion in display order.
const (
	keyPrefixDiscussion = "disc:"
	keyPrefixMessage    = "msg:"
	keyPrefixRecipient  = "rcpt:"
	keyPrefixPending    = "pend:"
	keyPrefixExpiration = "exp:"
	keyPrefixContact    = "contact:"
	keyPrefixGroup      = "group:"
	keySalt             = "meta:salt"
)

func discussionKey(id string) string { return keyPrefixDiscussion + id }

func messageKey(msg models.Message) string {
	return fmt.Sprintf("%s%s:%020.6f:%s", keyPrefixMessage, msg.DiscussionID, msg.SortIndex, msg.ID)
}

func recipientKey(messageID, recipient string) string {
	return keyPrefixRecipient + messageID + ":" + recipient
}

func pendingKey(ref models.MessageReference, replyingID string) string {
	return keyPrefixPending + ref.Key() + "|" + replyingID
}

func expirationKey(messageID, kind string) string {
	return keyPrefixExpiration + messageID + ":" + kind
}

func contactKey(owned, identity string) string {
	return keyPrefixContact + owned + ":" + identity
}

func groupKey(owned, identifier string) string {
	return keyPrefixGroup + owned + ":" + identifier
}

func scopedKey(owned, id string) string { return owned + "|" + id }

const (
	ExpirationKindVisibility = "visibility"
	ExpirationKindExistence  = "existence"
)

// Expiration schedules an automatic wipe of one message. Existence rows are
// created with the message; visibility rows only once it is read.
type Expiration struct {
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	ExpiresAt time.Time `json:"expires_at"`
}
