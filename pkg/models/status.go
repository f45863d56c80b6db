package models

import (
	"slices"
	"time"
)

const (
	ReceivedStatusNew    = "new"
	ReceivedStatusUnread = "unread"
	ReceivedStatusRead   = "read"
)

const (
	SentStatusUnprocessed    = "unprocessed"
	SentStatusProcessing     = "processing"
	SentStatusCouldNotBeSent = "could_not_be_sent"
	SentStatusSent           = "sent"
	SentStatusDelivered      = "delivered"
	SentStatusRead           = "read"
)

func sentStatusRank(status string) int {
	switch status {
	case SentStatusProcessing:
		return 1
	case SentStatusCouldNotBeSent:
		return 2
	case SentStatusSent:
		return 3
	case SentStatusDelivered:
		return 4
	case SentStatusRead:
		return 5
	default:
		return 0
	}
}

// MergeSentStatus keeps the further-along of the two statuses. Used when an
// engine acknowledgement arrives out of order; the aggregate never regresses
// from a single event (property re-derived fully in RecomputeSentStatus).
func MergeSentStatus(current, candidate string) string {
	if sentStatusRank(candidate) >= sentStatusRank(current) {
		return candidate
	}
	return current
}

// RecipientInfo tracks delivery of one sent message to one recipient. The
// engine identifier is assigned once the engine accepted the message for
// that recipient; until then the message is unprocessed for them.
type RecipientInfo struct {
	MessageID                string    `json:"message_id"`
	RecipientIdentity        string    `json:"recipient_identity"`
	EngineIdentifier         []byte    `json:"engine_identifier,omitempty"`
	TimestampMessageSent     time.Time `json:"timestamp_message_sent,omitempty"`
	TimestampAllAttachments  time.Time `json:"timestamp_all_attachments_sent,omitempty"`
	TimestampDelivered       time.Time `json:"timestamp_delivered,omitempty"`
	TimestampRead            time.Time `json:"timestamp_read,omitempty"`
	CouldNotBeSentToServer   bool      `json:"could_not_be_sent_to_server,omitempty"`
	ReturnReceiptNonce       []byte    `json:"return_receipt_nonce,omitempty"`
	ReturnReceiptKeyMaterial []byte    `json:"return_receipt_key,omitempty"`
}

// Clone returns a deep copy; the store hands out clones on every read.
func (r RecipientInfo) Clone() RecipientInfo {
	r.EngineIdentifier = slices.Clone(r.EngineIdentifier)
	r.ReturnReceiptNonce = slices.Clone(r.ReturnReceiptNonce)
	r.ReturnReceiptKeyMaterial = slices.Clone(r.ReturnReceiptKeyMaterial)
	return r
}

func (r RecipientInfo) read() bool      { return !r.TimestampRead.IsZero() }
func (r RecipientInfo) delivered() bool { return r.read() || !r.TimestampDelivered.IsZero() }
func (r RecipientInfo) sent() bool {
	return r.delivered() || (!r.TimestampMessageSent.IsZero() && !r.TimestampAllAttachments.IsZero())
}

// RecomputeSentStatus derives the aggregate status of a sent message from
// the full set of its recipient infos. It is a pure function of the infos:
// read when all recipients read, delivered when all delivered, sent when
// the message and its attachments reached the server for all recipients,
// could-not-be-sent as soon as any recipient permanently failed, processing
// once at least one recipient has an engine identifier, unprocessed before
// that.
func RecomputeSentStatus(infos []RecipientInfo) string {
	if len(infos) == 0 {
		return SentStatusUnprocessed
	}
	allRead, allDelivered, allSent := true, true, true
	anyFailed, anyAccepted := false, false
	for _, info := range infos {
		if !info.read() {
			allRead = false
		}
		if !info.delivered() {
			allDelivered = false
		}
		if !info.sent() {
			allSent = false
		}
		if info.CouldNotBeSentToServer {
			anyFailed = true
		}
		if len(info.EngineIdentifier) > 0 {
			anyAccepted = true
		}
	}
	switch {
	case allRead:
		return SentStatusRead
	case allDelivered:
		return SentStatusDelivered
	case allSent:
		return SentStatusSent
	case anyFailed:
		return SentStatusCouldNotBeSent
	case anyAccepted:
		return SentStatusProcessing
	default:
		return SentStatusUnprocessed
	}
}
