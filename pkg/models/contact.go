package models

import (
	"slices"
	"time"
)

type Contact struct {
	OwnedIdentity        string    `json:"owned_identity"`
	Identity             string    `json:"identity"`
	DisplayName          string    `json:"display_name,omitempty"`
	OneToOneDiscussionID string    `json:"one_to_one_discussion_id,omitempty"`
	AddedAt              time.Time `json:"added_at"`
}

type Group struct {
	OwnedIdentity string            `json:"owned_identity"`
	Identifier    string            `json:"identifier"`
	Kind          string            `json:"kind"`
	DiscussionID  string            `json:"discussion_id,omitempty"`
	Members       []GroupMemberRole `json:"members,omitempty"`
}

// Clone returns a deep copy; the store hands out clones on every read.
func (g Group) Clone() Group {
	g.Members = slices.Clone(g.Members)
	return g
}

// MemberRole returns the role entry for identity, if the identity is a
// current member of the group.
func (g Group) MemberRole(identity string) (GroupMemberRole, bool) {
	for _, m := range g.Members {
		if m.Identity == identity && m.IsStillMember {
			return m, true
		}
	}
	return GroupMemberRole{}, false
}

// PendingReplyTo is the placeholder row created when a message replies to a
// message that has not arrived yet. It is deleted the moment the referenced
// message is created.
type PendingReplyTo struct {
	Reference         MessageReference `json:"reference"`
	ReplyingMessageID string           `json:"replying_message_id"`
	OwnedIdentity     string           `json:"owned_identity"`
	CreatedAt         time.Time        `json:"created_at"`
}
