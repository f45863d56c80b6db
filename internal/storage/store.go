package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"loom-chat/go-core/pkg/models"
)

// Store is the conversation arena: discussions, messages, recipient infos,
// pending reply-tos, expirations, contacts and groups, keyed by opaque ids
// with explicit foreign keys. All mutation goes through a Tx obtained from
// Begin; the operation pipeline guarantees a single writer, the store mutex
// only protects concurrent readers against a committing writer.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	log     *slog.Logger

	discussions    map[string]models.Discussion
	messages       map[string]models.Message
	recipientInfos map[string]map[string]models.RecipientInfo
	pendingReplies map[string]models.PendingReplyTo
	expirations    map[string]map[string]Expiration
	contacts       map[string]models.Contact
	groups         map[string]models.Group

	msgsByDiscussion  map[string]map[string]struct{}
	msgByRef          map[string]string
	msgByEngineID     map[string]string
	msgByReceiptNonce map[string]string
	discByContact     map[string]string
	discByGroup       map[string]string
}

func New(backend Backend, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Store{
		backend:          backend,
		log:              log,
		discussions:      make(map[string]models.Discussion),
		messages:         make(map[string]models.Message),
		recipientInfos:   make(map[string]map[string]models.RecipientInfo),
		pendingReplies:   make(map[string]models.PendingReplyTo),
		expirations:      make(map[string]map[string]Expiration),
		contacts:         make(map[string]models.Contact),
		groups:           make(map[string]models.Group),
		msgsByDiscussion:  make(map[string]map[string]struct{}),
		msgByRef:          make(map[string]string),
		msgByEngineID:     make(map[string]string),
		msgByReceiptNonce: make(map[string]string),
		discByContact:     make(map[string]string),
		discByGroup:       make(map[string]string),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *Store) load() error {
	if s.backend == nil {
		return nil
	}
	err := s.backend.Iterate("", func(key string, value []byte) error {
		switch {
		case strings.HasPrefix(key, keyPrefixDiscussion):
			var d models.Discussion
			if err := json.Unmarshal(value, &d); err != nil {
				return fmt.Errorf("load discussion %q: %w", key, err)
			}
			s.indexDiscussion(d)
		case strings.HasPrefix(key, keyPrefixMessage):
			var m models.Message
			if err := json.Unmarshal(value, &m); err != nil {
				return fmt.Errorf("load message %q: %w", key, err)
			}
			s.indexMessage(m)
		case strings.HasPrefix(key, keyPrefixRecipient):
			var r models.RecipientInfo
			if err := json.Unmarshal(value, &r); err != nil {
				return fmt.Errorf("load recipient info %q: %w", key, err)
			}
			s.indexRecipientInfo(r)
		case strings.HasPrefix(key, keyPrefixPending):
			var p models.PendingReplyTo
			if err := json.Unmarshal(value, &p); err != nil {
				return fmt.Errorf("load pending reply %q: %w", key, err)
			}
			s.pendingReplies[pendingMapKey(p)] = p
		case strings.HasPrefix(key, keyPrefixExpiration):
			var e Expiration
			if err := json.Unmarshal(value, &e); err != nil {
				return fmt.Errorf("load expiration %q: %w", key, err)
			}
			s.indexExpiration(e)
		case strings.HasPrefix(key, keyPrefixContact):
			var c models.Contact
			if err := json.Unmarshal(value, &c); err != nil {
				return fmt.Errorf("load contact %q: %w", key, err)
			}
			s.contacts[scopedKey(c.OwnedIdentity, c.Identity)] = c
		case strings.HasPrefix(key, keyPrefixGroup):
			var g models.Group
			if err := json.Unmarshal(value, &g); err != nil {
				return fmt.Errorf("load group %q: %w", key, err)
			}
			s.groups[scopedKey(g.OwnedIdentity, g.Identifier)] = g
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("store loaded",
		"discussions", len(s.discussions),
		"messages", len(s.messages))
	return nil
}

func pendingMapKey(p models.PendingReplyTo) string {
	return p.Reference.Key() + "|" + p.ReplyingMessageID
}

func (s *Store) indexDiscussion(d models.Discussion) {
	s.discussions[d.ID] = d
	switch d.Kind {
	case models.DiscussionKindOneToOne:
		if d.ContactIdentity != "" {
			s.discByContact[scopedKey(d.OwnedIdentity, d.ContactIdentity)] = d.ID
		}
	default:
		if d.GroupIdentifier != "" {
			s.discByGroup[scopedKey(d.OwnedIdentity, d.GroupIdentifier)] = d.ID
		}
	}
}

func (s *Store) unindexDiscussion(d models.Discussion) {
	delete(s.discussions, d.ID)
	delete(s.discByContact, scopedKey(d.OwnedIdentity, d.ContactIdentity))
	delete(s.discByGroup, scopedKey(d.OwnedIdentity, d.GroupIdentifier))
}

func (s *Store) indexMessage(m models.Message) {
	s.messages[m.ID] = m
	if _, ok := s.msgsByDiscussion[m.DiscussionID]; !ok {
		s.msgsByDiscussion[m.DiscussionID] = make(map[string]struct{})
	}
	s.msgsByDiscussion[m.DiscussionID][m.ID] = struct{}{}
	if !m.Reference.IsZero() {
		s.msgByRef[m.Reference.Key()] = m.ID
	}
	if m.Received != nil && len(m.Received.EngineIdentifier) > 0 {
		s.msgByEngineID[models.EngineIdentifierToken(m.Received.EngineIdentifier)] = m.ID
	}
}

func (s *Store) unindexMessage(m models.Message) {
	delete(s.messages, m.ID)
	if ids, ok := s.msgsByDiscussion[m.DiscussionID]; ok {
		delete(ids, m.ID)
		if len(ids) == 0 {
			delete(s.msgsByDiscussion, m.DiscussionID)
		}
	}
	if !m.Reference.IsZero() && s.msgByRef[m.Reference.Key()] == m.ID {
		delete(s.msgByRef, m.Reference.Key())
	}
	if m.Received != nil && len(m.Received.EngineIdentifier) > 0 {
		delete(s.msgByEngineID, models.EngineIdentifierToken(m.Received.EngineIdentifier))
	}
}

func (s *Store) indexRecipientInfo(r models.RecipientInfo) {
	if _, ok := s.recipientInfos[r.MessageID]; !ok {
		s.recipientInfos[r.MessageID] = make(map[string]models.RecipientInfo)
	}
	s.recipientInfos[r.MessageID][r.RecipientIdentity] = r
	if len(r.EngineIdentifier) > 0 {
		s.msgByEngineID[models.EngineIdentifierToken(r.EngineIdentifier)] = r.MessageID
	}
	if len(r.ReturnReceiptNonce) > 0 {
		s.msgByReceiptNonce[models.EngineIdentifierToken(r.ReturnReceiptNonce)] = r.MessageID
	}
}

func (s *Store) indexExpiration(e Expiration) {
	if _, ok := s.expirations[e.MessageID]; !ok {
		s.expirations[e.MessageID] = make(map[string]Expiration)
	}
	s.expirations[e.MessageID][e.Kind] = e
}

// --- read API (concurrent, sees committed state only) ---

func (s *Store) Discussion(id string) (models.Discussion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.discussions[id]
	return d.Clone(), ok
}

func (s *Store) Message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m.Clone(), ok
}

// MessagesInDiscussion returns the discussion's messages ordered by sort
// index; the total order every enumeration must respect.
func (s *Store) MessagesInDiscussion(discussionID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messagesInDiscussionLocked(discussionID)
}

func (s *Store) messagesInDiscussionLocked(discussionID string) []models.Message {
	ids := s.msgsByDiscussion[discussionID]
	out := make([]models.Message, 0, len(ids))
	for id := range ids {
		out = append(out, s.messages[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortIndex < out[j].SortIndex })
	return out
}

func (s *Store) RecipientInfos(messageID string) []models.RecipientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := s.recipientInfos[messageID]
	out := make([]models.RecipientInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientIdentity < out[j].RecipientIdentity })
	return out
}

// Begin starts a write transaction. The caller (the pipeline's store lane)
// is the single writer; Begin does not lock, Commit does.
func (s *Store) Begin() *Tx {
	return newTx(s)
}
