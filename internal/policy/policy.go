// Package policy holds the authorization rules for destructive or
// sender-attributed operations on messages. Every caller that deletes a
// message or applies a reaction goes through the same check, whether the
// request came from the local user, a global-delete intent, or a contact's
// inbound payload.
package policy

import (
	"errors"
	"fmt"

	"loom-chat/go-core/pkg/models"
)

type RequesterKind string

const (
	// RequesterOwnedLocal deletes only the local copy.
	RequesterOwnedLocal RequesterKind = "owned_local"
	// RequesterOwnedGlobal asks every participant to wipe the message.
	RequesterOwnedGlobal RequesterKind = "owned_global"
	// RequesterContact is a remote-delete request carried by an inbound payload.
	RequesterContact RequesterKind = "contact"
)

type Requester struct {
	Kind RequesterKind
	// Identity is the contact identity for RequesterContact, the owned
	// identity otherwise.
	Identity string
}

// NotAllowedError is returned when a requester lacks the rights for the
// operation. The check runs before any mutation, so a NotAllowedError
// guarantees nothing changed.
type NotAllowedError struct {
	Requester Requester
	Operation string
	Reason    string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("policy: %s not allowed for %s requester: %s", e.Operation, e.Requester.Kind, e.Reason)
}

// ErrNotAllowed matches any NotAllowedError via errors.Is.
var ErrNotAllowed = errors.New("policy: not allowed")

func (e *NotAllowedError) Is(target error) bool { return target == ErrNotAllowed }

func notAllowed(req Requester, op, reason string) error {
	return &NotAllowedError{Requester: req, Operation: op, Reason: reason}
}

// CheckDeleteMessage decides whether the requester may delete msg from
// disc. grp carries the membership and role table for managed-group
// discussions and may be nil otherwise. Local deletion is always allowed.
func CheckDeleteMessage(req Requester, disc models.Discussion, msg models.Message, grp *models.Group) error {
	const op = "delete message"

	if req.Kind == RequesterOwnedLocal {
		return nil
	}
	if msg.Kind == models.MessageKindSystem {
		return notAllowed(req, op, "system messages can only be deleted locally")
	}

	switch req.Kind {
	case RequesterOwnedGlobal:
		own := msg.Sent != nil
		switch disc.Kind {
		case models.DiscussionKindOneToOne, models.DiscussionKindLegacyGroup:
			if !own {
				return notAllowed(req, op, "only own messages can be globally deleted in this discussion kind")
			}
			return nil
		case models.DiscussionKindManagedGroup:
			role, ok := memberRole(grp, req.Identity)
			if !ok {
				return notAllowed(req, op, "requester is not a group member")
			}
			if own {
				if role.RemoteDeleteAnything || role.EditOrRemoteDeleteOwn {
					return nil
				}
				return notAllowed(req, op, "missing edit-or-remote-delete-own right")
			}
			if role.RemoteDeleteAnything {
				return nil
			}
			return notAllowed(req, op, "missing remote-delete-anything right")
		default:
			return notAllowed(req, op, "unexpected discussion kind")
		}

	case RequesterContact:
		// A contact may always retract their own message.
		if msg.Received != nil && msg.Received.ContactIdentity == req.Identity {
			return nil
		}
		if disc.Kind != models.DiscussionKindManagedGroup {
			return notAllowed(req, op, "contacts can only delete their own messages in this discussion kind")
		}
		role, ok := memberRole(grp, req.Identity)
		if !ok {
			return notAllowed(req, op, "requester is not a group member")
		}
		if !role.RemoteDeleteAnything {
			return notAllowed(req, op, "missing remote-delete-anything right")
		}
		return nil

	default:
		return notAllowed(req, op, "unknown requester kind")
	}
}

// CheckDeleteDiscussion decides whether the requester may wipe the whole
// discussion. Local wipes are always allowed; remote wipes follow the
// same role rules as deleting another member's message.
func CheckDeleteDiscussion(req Requester, disc models.Discussion, grp *models.Group) error {
	const op = "delete discussion"

	switch req.Kind {
	case RequesterOwnedLocal, RequesterOwnedGlobal:
		return nil
	case RequesterContact:
		if disc.Kind != models.DiscussionKindManagedGroup {
			return notAllowed(req, op, "contacts cannot remotely wipe this discussion kind")
		}
		role, ok := memberRole(grp, req.Identity)
		if !ok {
			return notAllowed(req, op, "requester is not a group member")
		}
		if !role.RemoteDeleteAnything {
			return notAllowed(req, op, "missing remote-delete-anything right")
		}
		return nil
	default:
		return notAllowed(req, op, "unknown requester kind")
	}
}

// CheckSetReaction decides whether sender may set or clear a reaction on a
// message of disc. ownRequest marks a reaction made by the owned identity.
func CheckSetReaction(sender string, ownRequest bool, disc models.Discussion, grp *models.Group) error {
	const op = "set reaction"
	req := Requester{Kind: RequesterContact, Identity: sender}
	if ownRequest {
		return nil
	}
	switch disc.Kind {
	case models.DiscussionKindOneToOne:
		if disc.ContactIdentity != sender {
			return notAllowed(req, op, "sender is not the discussion contact")
		}
		return nil
	case models.DiscussionKindLegacyGroup:
		if _, ok := memberRole(grp, sender); !ok {
			return notAllowed(req, op, "sender is not a group member")
		}
		return nil
	case models.DiscussionKindManagedGroup:
		if _, ok := memberRole(grp, sender); !ok {
			return notAllowed(req, op, "sender is not a current group member")
		}
		return nil
	default:
		return notAllowed(req, op, "unexpected discussion kind")
	}
}

func memberRole(grp *models.Group, identity string) (models.GroupMemberRole, bool) {
	if grp == nil {
		return models.GroupMemberRole{}, false
	}
	return grp.MemberRole(identity)
}
