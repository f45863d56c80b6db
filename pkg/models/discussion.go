package models

import (
	"strings"
	"time"
)

const (
	DiscussionKindOneToOne     = "one_to_one"
	DiscussionKindLegacyGroup  = "legacy_group"
	DiscussionKindManagedGroup = "managed_group"
)

func NormalizeDiscussionKind(raw string) string {
	switch strings.TrimSpace(raw) {
	case DiscussionKindLegacyGroup:
		return DiscussionKindLegacyGroup
	case DiscussionKindManagedGroup:
		return DiscussionKindManagedGroup
	default:
		return DiscussionKindOneToOne
	}
}

// SharedConfiguration is the discussion-wide ephemerality agreement. The
// version counter arbitrates concurrent updates: higher wins, equal keeps
// the local value.
type SharedConfiguration struct {
	Version            int           `json:"version"`
	ReadOnce           bool          `json:"read_once"`
	VisibilityDuration time.Duration `json:"visibility_duration"`
	ExistenceDuration  time.Duration `json:"existence_duration"`
}

// Supersedes reports whether candidate should replace current.
func (c SharedConfiguration) Supersedes(current SharedConfiguration) bool {
	return c.Version > current.Version
}

// LocalConfiguration holds per-discussion settings that never leave the
// device. A nil DoSendReadReceipt falls back to the global default.
type LocalConfiguration struct {
	DoSendReadReceipt *bool         `json:"do_send_read_receipt,omitempty"`
	RetentionCount    int           `json:"retention_count,omitempty"`
	RetentionAge      time.Duration `json:"retention_age,omitempty"`
}

type Discussion struct {
	ID              string              `json:"id"`
	OwnedIdentity   string              `json:"owned_identity"`
	Kind            string              `json:"kind"`
	ContactIdentity string              `json:"contact_identity,omitempty"`
	GroupIdentifier string              `json:"group_identifier,omitempty"`
	Title           string              `json:"title,omitempty"`
	SharedConfig    SharedConfiguration `json:"shared_config"`
	LocalConfig     LocalConfiguration  `json:"local_config"`
	CreatedAt       time.Time           `json:"created_at"`
}

// Clone returns a deep copy; the store hands out clones on every read.
func (d Discussion) Clone() Discussion {
	if d.LocalConfig.DoSendReadReceipt != nil {
		v := *d.LocalConfig.DoSendReadReceipt
		d.LocalConfig.DoSendReadReceipt = &v
	}
	return d
}

// SendReadReceipts resolves the effective read-receipt setting for the
// discussion against the app-wide default.
func (d Discussion) SendReadReceipts(globalDefault bool) bool {
	if d.LocalConfig.DoSendReadReceipt != nil {
		return *d.LocalConfig.DoSendReadReceipt
	}
	return globalDefault
}

// GroupMemberRole captures the permissions relevant to remote deletion and
// edition inside a managed group.
type GroupMemberRole struct {
	Identity               string `json:"identity"`
	RemoteDeleteAnything   bool   `json:"remote_delete_anything"`
	EditOrRemoteDeleteOwn  bool   `json:"edit_or_remote_delete_own"`
	IsOwnedIdentity        bool   `json:"is_owned_identity,omitempty"`
	IsStillMember          bool   `json:"is_still_member"`
	ChangeSettingsAnywhere bool   `json:"change_settings_anywhere,omitempty"`
}
