package storage

import (
	"time"

	"loom-chat/go-core/pkg/models"
)

// PlaceMessage assigns msg's SortIndex (and, when needed, an adjusted
// Timestamp) so that within its discussion:
//
//   - sort indexes are unique, giving a total order even when wall clocks
//     collide;
//   - messages from one sender thread order by sender sequence number even
//     when they arrive out of order or with inconsistent timestamps.
//
// When the natural timestamp would place the message before a same-thread
// predecessor (lower sequence number, higher sort index), the stored
// timestamp is nudged past the predecessor's and the sort index is placed
// strictly between the predecessor and its current successor. The symmetric
// case (a lower sequence number arriving after a higher one) places the
// message strictly before its same-thread successor.
func (tx *Tx) PlaceMessage(msg *models.Message) {
	existing := tx.MessagesInDiscussion(msg.DiscussionID)
	candidate := float64(msg.Timestamp.UnixMicro())

	pred, hasPred := sameThreadPredecessor(existing, *msg)
	succ, hasSucc := sameThreadSuccessor(existing, *msg)

	switch {
	case hasPred && candidate <= pred.SortIndex:
		msg.SortIndex = between(existing, pred.SortIndex, nextIndexAfter(existing, pred.SortIndex))
		if !msg.Timestamp.After(pred.Timestamp) {
			msg.Timestamp = pred.Timestamp.Add(time.Millisecond)
		}
	case hasSucc && candidate >= succ.SortIndex:
		msg.SortIndex = between(existing, prevIndexBefore(existing, succ.SortIndex), succ.SortIndex)
		if !msg.Timestamp.Before(succ.Timestamp) {
			msg.Timestamp = succ.Timestamp.Add(-time.Millisecond)
		}
	default:
		msg.SortIndex = uniqueIndex(existing, candidate)
	}
}

func sameThreadPredecessor(existing []models.Message, msg models.Message) (models.Message, bool) {
	var best models.Message
	found := false
	for _, m := range existing {
		if !sameThread(m, msg) || m.Reference.SenderSequenceNumber >= msg.Reference.SenderSequenceNumber {
			continue
		}
		if !found || m.Reference.SenderSequenceNumber > best.Reference.SenderSequenceNumber {
			best = m
			found = true
		}
	}
	return best, found
}

func sameThreadSuccessor(existing []models.Message, msg models.Message) (models.Message, bool) {
	var best models.Message
	found := false
	for _, m := range existing {
		if !sameThread(m, msg) || m.Reference.SenderSequenceNumber <= msg.Reference.SenderSequenceNumber {
			continue
		}
		if !found || m.Reference.SenderSequenceNumber < best.Reference.SenderSequenceNumber {
			best = m
			found = true
		}
	}
	return best, found
}

func sameThread(a, b models.Message) bool {
	return !a.Reference.IsZero() && !b.Reference.IsZero() &&
		a.Reference.SenderIdentity == b.Reference.SenderIdentity &&
		a.Reference.SenderThreadID == b.Reference.SenderThreadID
}

// nextIndexAfter returns the smallest stored sort index strictly greater
// than idx, or idx+2 when idx is currently the last one.
func nextIndexAfter(existing []models.Message, idx float64) float64 {
	next := idx + 2
	for _, m := range existing {
		if m.SortIndex > idx && m.SortIndex < next {
			next = m.SortIndex
		}
	}
	return next
}

func prevIndexBefore(existing []models.Message, idx float64) float64 {
	prev := idx - 2
	for _, m := range existing {
		if m.SortIndex < idx && m.SortIndex > prev {
			prev = m.SortIndex
		}
	}
	return prev
}

func between(existing []models.Message, lo, hi float64) float64 {
	return uniqueIndex(existing, lo+(hi-lo)/2)
}

// uniqueIndex nudges candidate until no stored message shares it.
func uniqueIndex(existing []models.Message, candidate float64) float64 {
	taken := make(map[float64]struct{}, len(existing))
	for _, m := range existing {
		taken[m.SortIndex] = struct{}{}
	}
	for {
		if _, dup := taken[candidate]; !dup {
			return candidate
		}
		candidate += 0.001
	}
}

// ExpiredMessages returns ids of messages whose visibility or existence
// window elapsed at now.
func (s *Store) ExpiredMessages(now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0)
	seen := make(map[string]struct{})
	for messageID, byKind := range s.expirations {
		for _, e := range byKind {
			if !e.ExpiresAt.After(now) {
				if _, dup := seen[messageID]; !dup {
					out = append(out, messageID)
					seen[messageID] = struct{}{}
				}
			}
		}
	}
	return out
}

// Discussions returns all discussions. Used by maintenance sweeps.
func (s *Store) Discussions() []models.Discussion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Discussion, 0, len(s.discussions))
	for _, d := range s.discussions {
		out = append(out, d.Clone())
	}
	return out
}

// OrphanRecipientInfos returns recipient infos whose message row is gone.
// A correctly written backend never produces these; the startup pass
// deletes any left behind by older data.
func (s *Store) OrphanRecipientInfos() []models.RecipientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RecipientInfo
	for messageID, infos := range s.recipientInfos {
		if _, ok := s.messages[messageID]; ok {
			continue
		}
		for _, info := range infos {
			out = append(out, info.Clone())
		}
	}
	return out
}

// PendingReplies returns all placeholder rows. Used by maintenance sweeps
// to drop orphans whose replying message no longer exists.
func (s *Store) PendingReplies() []models.PendingReplyTo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PendingReplyTo, 0, len(s.pendingReplies))
	for _, p := range s.pendingReplies {
		out = append(out, p)
	}
	return out
}
