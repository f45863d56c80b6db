package storage

import (
	"encoding/json"
	"fmt"
	"sort"

	"loom-chat/go-core/pkg/models"
)

// Tx stages writes against the store. Reads through a Tx see staged writes
// overlaying committed state, so composed pipeline steps observe each
// other's effects before commit. Discarding a Tx is free; nothing touches
// the store or the backend until Commit.
type Tx struct {
	s *Store

	putDiscussion map[string]models.Discussion
	delDiscussion map[string]models.Discussion
	putMessage    map[string]models.Message
	delMessage    map[string]models.Message
	putInfo       map[string]models.RecipientInfo
	delInfo       map[string]models.RecipientInfo
	putPending    map[string]models.PendingReplyTo
	delPending    map[string]models.PendingReplyTo
	putExp        map[string]Expiration
	delExp        map[string]Expiration
	putContact    map[string]models.Contact
	putGroup      map[string]models.Group
}

func newTx(s *Store) *Tx {
	return &Tx{
		s:             s,
		putDiscussion: make(map[string]models.Discussion),
		delDiscussion: make(map[string]models.Discussion),
		putMessage:    make(map[string]models.Message),
		delMessage:    make(map[string]models.Message),
		putInfo:       make(map[string]models.RecipientInfo),
		delInfo:       make(map[string]models.RecipientInfo),
		putPending:    make(map[string]models.PendingReplyTo),
		delPending:    make(map[string]models.PendingReplyTo),
		putExp:        make(map[string]Expiration),
		delExp:        make(map[string]Expiration),
		putContact:    make(map[string]models.Contact),
		putGroup:      make(map[string]models.Group),
	}
}

// --- reads ---

func (tx *Tx) Discussion(id string) (models.Discussion, bool) {
	if d, ok := tx.putDiscussion[id]; ok {
		return d, true
	}
	if _, gone := tx.delDiscussion[id]; gone {
		return models.Discussion{}, false
	}
	return tx.s.Discussion(id)
}

func (tx *Tx) DiscussionByContact(owned, contact string) (models.Discussion, bool) {
	key := scopedKey(owned, contact)
	for _, d := range tx.putDiscussion {
		if d.Kind == models.DiscussionKindOneToOne && scopedKey(d.OwnedIdentity, d.ContactIdentity) == key {
			return d, true
		}
	}
	tx.s.mu.RLock()
	id, ok := tx.s.discByContact[key]
	tx.s.mu.RUnlock()
	if !ok {
		return models.Discussion{}, false
	}
	return tx.Discussion(id)
}

func (tx *Tx) DiscussionByGroup(owned, group string) (models.Discussion, bool) {
	key := scopedKey(owned, group)
	for _, d := range tx.putDiscussion {
		if d.GroupIdentifier != "" && scopedKey(d.OwnedIdentity, d.GroupIdentifier) == key {
			return d, true
		}
	}
	tx.s.mu.RLock()
	id, ok := tx.s.discByGroup[key]
	tx.s.mu.RUnlock()
	if !ok {
		return models.Discussion{}, false
	}
	return tx.Discussion(id)
}

func (tx *Tx) Message(id string) (models.Message, bool) {
	if m, ok := tx.putMessage[id]; ok {
		return m, true
	}
	if _, gone := tx.delMessage[id]; gone {
		return models.Message{}, false
	}
	return tx.s.Message(id)
}

func (tx *Tx) MessageByReference(ref models.MessageReference) (models.Message, bool) {
	for _, m := range tx.putMessage {
		if m.Reference == ref {
			return m, true
		}
	}
	tx.s.mu.RLock()
	id, ok := tx.s.msgByRef[ref.Key()]
	tx.s.mu.RUnlock()
	if !ok {
		return models.Message{}, false
	}
	return tx.Message(id)
}

// MessageByEngineIdentifier resolves either a received message's engine id
// or a sent message via one of its recipient infos.
func (tx *Tx) MessageByEngineIdentifier(engineID []byte) (models.Message, bool) {
	token := models.EngineIdentifierToken(engineID)
	tx.s.mu.RLock()
	id, ok := tx.s.msgByEngineID[token]
	tx.s.mu.RUnlock()
	if !ok {
		return models.Message{}, false
	}
	return tx.Message(id)
}

// MessageByReturnReceiptNonce resolves the sent message one of whose
// recipient infos carries the given return-receipt nonce.
func (tx *Tx) MessageByReturnReceiptNonce(nonce []byte) (models.Message, bool) {
	token := models.EngineIdentifierToken(nonce)
	tx.s.mu.RLock()
	id, ok := tx.s.msgByReceiptNonce[token]
	tx.s.mu.RUnlock()
	if !ok {
		return models.Message{}, false
	}
	return tx.Message(id)
}

func (tx *Tx) MessagesInDiscussion(discussionID string) []models.Message {
	tx.s.mu.RLock()
	base := tx.s.messagesInDiscussionLocked(discussionID)
	tx.s.mu.RUnlock()
	out := base[:0:len(base)]
	for _, m := range base {
		if _, gone := tx.delMessage[m.ID]; gone {
			continue
		}
		if staged, ok := tx.putMessage[m.ID]; ok {
			m = staged
		}
		out = append(out, m)
	}
	for id, m := range tx.putMessage {
		if m.DiscussionID != discussionID {
			continue
		}
		if _, exists := tx.s.Message(id); !exists {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortIndex < out[j].SortIndex })
	return out
}

func (tx *Tx) RecipientInfo(messageID, recipient string) (models.RecipientInfo, bool) {
	key := scopedKey(messageID, recipient)
	if r, ok := tx.putInfo[key]; ok {
		return r, true
	}
	if _, gone := tx.delInfo[key]; gone {
		return models.RecipientInfo{}, false
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	r, ok := tx.s.recipientInfos[messageID][recipient]
	return r.Clone(), ok
}

func (tx *Tx) RecipientInfos(messageID string) []models.RecipientInfo {
	merged := make(map[string]models.RecipientInfo)
	tx.s.mu.RLock()
	for recipient, info := range tx.s.recipientInfos[messageID] {
		merged[recipient] = info.Clone()
	}
	tx.s.mu.RUnlock()
	for _, info := range tx.putInfo {
		if info.MessageID == messageID {
			merged[info.RecipientIdentity] = info
		}
	}
	for _, info := range tx.delInfo {
		if info.MessageID == messageID {
			delete(merged, info.RecipientIdentity)
		}
	}
	out := make([]models.RecipientInfo, 0, len(merged))
	for _, info := range merged {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientIdentity < out[j].RecipientIdentity })
	return out
}

func (tx *Tx) PendingRepliesTo(ref models.MessageReference) []models.PendingReplyTo {
	out := make([]models.PendingReplyTo, 0)
	seen := make(map[string]struct{})
	for key, p := range tx.putPending {
		if p.Reference == ref {
			out = append(out, p)
			seen[key] = struct{}{}
		}
	}
	tx.s.mu.RLock()
	for key, p := range tx.s.pendingReplies {
		if p.Reference != ref {
			continue
		}
		if _, staged := seen[key]; staged {
			continue
		}
		if _, gone := tx.delPending[key]; gone {
			continue
		}
		out = append(out, p)
	}
	tx.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (tx *Tx) Contact(owned, identity string) (models.Contact, bool) {
	key := scopedKey(owned, identity)
	if c, ok := tx.putContact[key]; ok {
		return c, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	c, ok := tx.s.contacts[key]
	return c, ok
}

func (tx *Tx) Group(owned, identifier string) (models.Group, bool) {
	key := scopedKey(owned, identifier)
	if g, ok := tx.putGroup[key]; ok {
		return g, true
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	g, ok := tx.s.groups[key]
	return g.Clone(), ok
}

func (tx *Tx) Expiration(messageID, kind string) (Expiration, bool) {
	key := scopedKey(messageID, kind)
	if e, ok := tx.putExp[key]; ok {
		return e, true
	}
	if _, gone := tx.delExp[key]; gone {
		return Expiration{}, false
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	e, ok := tx.s.expirations[messageID][kind]
	return e, ok
}

// --- writes ---

func (tx *Tx) PutDiscussion(d models.Discussion) {
	delete(tx.delDiscussion, d.ID)
	tx.putDiscussion[d.ID] = d
}

func (tx *Tx) PutMessage(m models.Message) {
	delete(tx.delMessage, m.ID)
	tx.putMessage[m.ID] = m
}

func (tx *Tx) PutRecipientInfo(r models.RecipientInfo) {
	key := scopedKey(r.MessageID, r.RecipientIdentity)
	delete(tx.delInfo, key)
	tx.putInfo[key] = r
}

func (tx *Tx) DeleteRecipientInfo(r models.RecipientInfo) {
	key := scopedKey(r.MessageID, r.RecipientIdentity)
	delete(tx.putInfo, key)
	tx.delInfo[key] = r
}

func (tx *Tx) PutPendingReplyTo(p models.PendingReplyTo) {
	key := pendingMapKey(p)
	delete(tx.delPending, key)
	tx.putPending[key] = p
}

func (tx *Tx) DeletePendingReplyTo(p models.PendingReplyTo) {
	key := pendingMapKey(p)
	delete(tx.putPending, key)
	tx.delPending[key] = p
}

func (tx *Tx) PutExpiration(e Expiration) {
	key := scopedKey(e.MessageID, e.Kind)
	delete(tx.delExp, key)
	tx.putExp[key] = e
}

func (tx *Tx) DeleteExpiration(messageID, kind string) {
	if e, ok := tx.Expiration(messageID, kind); ok {
		key := scopedKey(messageID, kind)
		delete(tx.putExp, key)
		tx.delExp[key] = e
	}
}

func (tx *Tx) PutContact(c models.Contact) {
	tx.putContact[scopedKey(c.OwnedIdentity, c.Identity)] = c
}

func (tx *Tx) PutGroup(g models.Group) {
	tx.putGroup[scopedKey(g.OwnedIdentity, g.Identifier)] = g
}

// DeleteMessage removes the message and, explicitly, every row that
// referenced it: recipient infos, expirations, and pending reply-tos it was
// waiting on. Replies pointing at it are downgraded, not deleted.
func (tx *Tx) DeleteMessage(id string) {
	m, ok := tx.Message(id)
	if !ok {
		return
	}
	delete(tx.putMessage, id)
	tx.delMessage[id] = m

	for _, info := range tx.RecipientInfos(id) {
		key := scopedKey(id, info.RecipientIdentity)
		delete(tx.putInfo, key)
		tx.delInfo[key] = info
	}
	tx.DeleteExpiration(id, ExpirationKindVisibility)
	tx.DeleteExpiration(id, ExpirationKindExistence)
	tx.s.mu.RLock()
	var pendings []models.PendingReplyTo
	for _, p := range tx.s.pendingReplies {
		if p.ReplyingMessageID == id {
			pendings = append(pendings, p)
		}
	}
	tx.s.mu.RUnlock()
	for _, p := range pendings {
		tx.DeletePendingReplyTo(p)
	}
}

// DeleteDiscussion cascades over every message in the discussion.
func (tx *Tx) DeleteDiscussion(id string) {
	d, ok := tx.Discussion(id)
	if !ok {
		return
	}
	for _, m := range tx.MessagesInDiscussion(id) {
		tx.DeleteMessage(m.ID)
	}
	delete(tx.putDiscussion, id)
	tx.delDiscussion[id] = d
}

// Commit applies the staged writes to the backend as one batch, then to the
// in-memory state and indexes. On backend failure nothing is applied.
func (tx *Tx) Commit() error {
	muts := tx.mutations()
	if len(muts) == 0 {
		return nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.backend != nil {
		if err := tx.s.backend.Apply(muts); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	for _, d := range tx.delDiscussion {
		tx.s.unindexDiscussion(d)
	}
	for _, d := range tx.putDiscussion {
		tx.s.indexDiscussion(d.Clone())
	}
	for _, m := range tx.delMessage {
		tx.s.unindexMessage(m)
	}
	for _, m := range tx.putMessage {
		if old, ok := tx.s.messages[m.ID]; ok {
			tx.s.unindexMessage(old)
		}
		tx.s.indexMessage(m.Clone())
	}
	for _, info := range tx.delInfo {
		if infos, ok := tx.s.recipientInfos[info.MessageID]; ok {
			delete(infos, info.RecipientIdentity)
			if len(infos) == 0 {
				delete(tx.s.recipientInfos, info.MessageID)
			}
		}
		if len(info.EngineIdentifier) > 0 {
			delete(tx.s.msgByEngineID, models.EngineIdentifierToken(info.EngineIdentifier))
		}
		if len(info.ReturnReceiptNonce) > 0 {
			delete(tx.s.msgByReceiptNonce, models.EngineIdentifierToken(info.ReturnReceiptNonce))
		}
	}
	for _, info := range tx.putInfo {
		tx.s.indexRecipientInfo(info.Clone())
	}
	for key := range tx.delPending {
		delete(tx.s.pendingReplies, key)
	}
	for key, p := range tx.putPending {
		tx.s.pendingReplies[key] = p
	}
	for _, e := range tx.delExp {
		if exps, ok := tx.s.expirations[e.MessageID]; ok {
			delete(exps, e.Kind)
			if len(exps) == 0 {
				delete(tx.s.expirations, e.MessageID)
			}
		}
	}
	for _, e := range tx.putExp {
		tx.s.indexExpiration(e)
	}
	for key, c := range tx.putContact {
		tx.s.contacts[key] = c
	}
	for key, g := range tx.putGroup {
		tx.s.groups[key] = g.Clone()
	}
	return nil
}

func (tx *Tx) mutations() []Mutation {
	muts := make([]Mutation, 0)
	appendJSON := func(key string, v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			tx.s.log.Error("marshal store row", "key", key, "error", err)
			return
		}
		muts = append(muts, Mutation{Key: key, Value: raw})
	}
	for _, d := range tx.delDiscussion {
		muts = append(muts, Mutation{Key: discussionKey(d.ID), Delete: true})
	}
	for _, m := range tx.delMessage {
		muts = append(muts, Mutation{Key: messageKey(m), Delete: true})
	}
	for _, info := range tx.delInfo {
		muts = append(muts, Mutation{Key: recipientKey(info.MessageID, info.RecipientIdentity), Delete: true})
	}
	for _, p := range tx.delPending {
		muts = append(muts, Mutation{Key: pendingKey(p.Reference, p.ReplyingMessageID), Delete: true})
	}
	for _, e := range tx.delExp {
		muts = append(muts, Mutation{Key: expirationKey(e.MessageID, e.Kind), Delete: true})
	}
	for _, d := range tx.putDiscussion {
		appendJSON(discussionKey(d.ID), d)
	}
	for _, m := range tx.putMessage {
		appendJSON(messageKey(m), m)
	}
	for _, info := range tx.putInfo {
		appendJSON(recipientKey(info.MessageID, info.RecipientIdentity), info)
	}
	for _, p := range tx.putPending {
		appendJSON(pendingKey(p.Reference, p.ReplyingMessageID), p)
	}
	for _, e := range tx.putExp {
		appendJSON(expirationKey(e.MessageID, e.Kind), e)
	}
	for _, c := range tx.putContact {
		appendJSON(contactKey(c.OwnedIdentity, c.Identity), c)
	}
	for _, g := range tx.putGroup {
		appendJSON(groupKey(g.OwnedIdentity, g.Identifier), g)
	}
	return muts
}
