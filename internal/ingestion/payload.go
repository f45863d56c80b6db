package ingestion

import (
	"encoding/json"
	"errors"
	"time"

	"loom-chat/go-core/pkg/models"
)

var ErrMalformedPayload = errors.New("ingestion: malformed payload")

// ItemPayload is the decrypted wire item. Exactly one sub-payload must be
// present; anything else is a structural failure and the item is discarded.
type ItemPayload struct {
	Signaling               *SignalingPayload               `json:"call_signaling,omitempty"`
	Message                 *MessagePayload                 `json:"message,omitempty"`
	SharedConfiguration     *SharedConfigurationPayload     `json:"shared_configuration,omitempty"`
	DeleteMessages          *DeleteMessagesPayload          `json:"delete_messages,omitempty"`
	DeleteDiscussion        *DeleteDiscussionPayload        `json:"delete_discussion,omitempty"`
	UpdateMessage           *UpdateMessagePayload           `json:"update_message,omitempty"`
	Reaction                *ReactionPayload                `json:"reaction,omitempty"`
	QuerySharedSettings     *QuerySharedSettingsPayload     `json:"query_shared_settings,omitempty"`
	ScreenCapture           *ScreenCapturePayload           `json:"screen_capture_detected,omitempty"`
	LimitedVisibilityOpened *LimitedVisibilityOpenedPayload `json:"limited_visibility_opened,omitempty"`
	DiscussionRead          *DiscussionReadPayload          `json:"discussion_read,omitempty"`
}

// Locator names the discussion a sub-payload targets. A group identifier
// selects the group discussion; without one the discussion is the
// one-to-one with the sender, or with Contact when the payload came from
// another owned device.
type Locator struct {
	GroupIdentifier string `json:"group_identifier,omitempty"`
	Contact         string `json:"contact,omitempty"`
}

type SignalingPayload struct {
	Raw json.RawMessage `json:"raw"`
}

// Ephemerality carries the per-message expiration settings chosen by the
// sender.
type Ephemerality struct {
	ReadOnce           bool          `json:"read_once,omitempty"`
	VisibilityDuration time.Duration `json:"visibility_duration,omitempty"`
	ExistenceDuration  time.Duration `json:"existence_duration,omitempty"`
}

type MessagePayload struct {
	Locator
	SenderThreadID        string                   `json:"sender_thread_id"`
	SenderSequenceNumber  int                      `json:"sender_sequence_number"`
	Body                  string                   `json:"body,omitempty"`
	Expiration            *Ephemerality            `json:"expiration,omitempty"`
	RepliesTo             *models.MessageReference `json:"replies_to,omitempty"`
	ReturnReceiptElements [][]byte                 `json:"return_receipt_elements,omitempty"`
	AttachmentFilenames   []string                 `json:"attachment_filenames,omitempty"`

	// OverridePrevious marks an authoritative engine delivery that
	// supersedes a provisional copy of the same message persisted
	// earlier, for instance from a notification payload. Without it a
	// duplicate is a no-op.
	OverridePrevious bool `json:"override_previous,omitempty"`
}

type SharedConfigurationPayload struct {
	Locator
	Configuration models.SharedConfiguration `json:"configuration"`
}

type DeleteMessagesPayload struct {
	Locator
	References []models.MessageReference `json:"references"`
}

type DeleteDiscussionPayload struct {
	Locator
}

type UpdateMessagePayload struct {
	Locator
	Reference models.MessageReference `json:"reference"`
	NewBody   string                  `json:"new_body"`
}

type ReactionPayload struct {
	Locator
	Reference models.MessageReference `json:"reference"`
	Emoji     string                  `json:"emoji"`
}

type QuerySharedSettingsPayload struct {
	Locator
	KnownVersion int `json:"known_version"`
}

type ScreenCapturePayload struct {
	Locator
}

// LimitedVisibilityOpenedPayload arrives from another owned device that
// displayed an ephemeral received message; the local copy must be marked
// read too so both devices expire in step.
type LimitedVisibilityOpenedPayload struct {
	Locator
	Reference models.MessageReference `json:"reference"`
}

type DiscussionReadPayload struct {
	Locator
	ReadUpTo time.Time `json:"read_up_to"`
}

// decode parses raw and enforces the exactly-one-sub-payload rule.
func decode(raw []byte) (ItemPayload, error) {
	var item ItemPayload
	if err := json.Unmarshal(raw, &item); err != nil {
		return ItemPayload{}, errors.Join(ErrMalformedPayload, err)
	}
	count := 0
	for _, set := range []bool{
		item.Signaling != nil,
		item.Message != nil,
		item.SharedConfiguration != nil,
		item.DeleteMessages != nil,
		item.DeleteDiscussion != nil,
		item.UpdateMessage != nil,
		item.Reaction != nil,
		item.QuerySharedSettings != nil,
		item.ScreenCapture != nil,
		item.LimitedVisibilityOpened != nil,
		item.DiscussionRead != nil,
	} {
		if set {
			count++
		}
	}
	if count != 1 {
		return ItemPayload{}, ErrMalformedPayload
	}
	return item, nil
}
