package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for single-node development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	convs    map[string]*memConversation
	byDirect map[string]string
	byPost   map[string]string
	seq      int64
}

type memConversation struct {
	conv         Conversation
	participants map[string]*memParticipant
	messages     []*Message // ordered by Seq
	reads        map[string]map[string]bool
}

type memParticipant struct {
	lastSeen string
	lastRead time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[string]*memConversation),
		byDirect: make(map[string]string),
		byPost:   make(map[string]string),
	}
}

func (m *MemoryStore) create(kind Kind, postID string, now time.Time) *memConversation {
	c := &memConversation{
		conv: Conversation{
			ID:           uuid.NewString(),
			Kind:         kind,
			PostID:       postID,
			LastActivity: now,
			CreatedAt:    now,
		},
		participants: make(map[string]*memParticipant),
		reads:        make(map[string]map[string]bool),
	}
	m.convs[c.conv.ID] = c
	return c
}

func (c *memConversation) join(userID string) {
	if _, ok := c.participants[userID]; !ok {
		c.participants[userID] = &memParticipant{}
	}
}

func (c *memConversation) snapshot() Conversation {
	out := c.conv
	out.Participants = make([]string, 0, len(c.participants))
	for p := range c.participants {
		out.Participants = append(out.Participants, p)
	}
	sort.Strings(out.Participants)
	return out
}

func (m *MemoryStore) EnsureDirect(_ context.Context, a, b string, now time.Time) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := directKey(a, b)
	id, ok := m.byDirect[key]
	if !ok {
		c := m.create(KindDirect, "", now)
		m.byDirect[key] = c.conv.ID
		id = c.conv.ID
	}
	c := m.convs[id]
	c.join(a)
	c.join(b)
	return c.snapshot(), nil
}

func (m *MemoryStore) EnsurePost(_ context.Context, postID, userID string, now time.Time) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPost[postID]
	if !ok {
		c := m.create(KindPost, postID, now)
		m.byPost[postID] = c.conv.ID
		id = c.conv.ID
	}
	c := m.convs[id]
	c.join(userID)
	return c.snapshot(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return nil, nil
	}
	conv := c.snapshot()
	return &conv, nil
}

func (m *MemoryStore) FindByPost(_ context.Context, postID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPost[postID]
	if !ok {
		return nil, nil
	}
	conv := m.convs[id].snapshot()
	return &conv, nil
}

func (m *MemoryStore) RemoveParticipant(_ context.Context, convID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return false, ErrRoomNotFound
	}
	if _, ok := c.participants[userID]; !ok {
		return false, nil
	}
	delete(c.participants, userID)
	return true, nil
}

func (m *MemoryStore) AddMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[msg.ConversationID]
	if !ok {
		return ErrRoomNotFound
	}
	m.seq++
	msg.Seq = m.seq
	stored := *msg
	stored.ReadBy = nil
	c.messages = append(c.messages, &stored)
	if msg.CreatedAt.After(c.conv.LastActivity) {
		c.conv.LastActivity = msg.CreatedAt
	}
	return nil
}

func (m *MemoryStore) History(_ context.Context, convID string, beforeSeq int64, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	end := len(c.messages)
	if beforeSeq > 0 {
		end = sort.Search(len(c.messages), func(i int) bool { return c.messages[i].Seq >= beforeSeq })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]Message, 0, end-start)
	for _, msg := range c.messages[start:end] {
		cp := *msg
		cp.ReadBy = []string{}
		for u := range c.reads[msg.ID] {
			cp.ReadBy = append(cp.ReadBy, u)
		}
		sort.Strings(cp.ReadBy)
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkRead(_ context.Context, convID, userID string, at time.Time) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return Receipt{}, ErrRoomNotFound
	}

	rc := Receipt{ConversationID: convID, UserID: userID, MessageIDs: []string{}, ReadAt: at}
	for _, msg := range c.messages {
		if msg.AuthorID == userID || c.reads[msg.ID][userID] {
			continue
		}
		if c.reads[msg.ID] == nil {
			c.reads[msg.ID] = make(map[string]bool)
		}
		c.reads[msg.ID][userID] = true
		rc.MessageIDs = append(rc.MessageIDs, msg.ID)
	}

	p := c.participants[userID]
	if p != nil && len(c.messages) > 0 {
		newest := c.messages[len(c.messages)-1].ID
		if p.lastSeen != newest {
			p.lastSeen = newest
			p.lastRead = at
			rc.Changed = true
		}
		rc.LastSeenMessageID = p.lastSeen
	}
	if len(rc.MessageIDs) > 0 {
		rc.Changed = true
	}
	return rc, nil
}

func (m *MemoryStore) UnreadCount(_ context.Context, convID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[convID]
	if !ok {
		return 0, ErrRoomNotFound
	}
	n := 0
	for _, msg := range c.messages {
		if msg.AuthorID != userID && !c.reads[msg.ID][userID] {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListForUser(_ context.Context, userID string) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Conversation
	for _, c := range m.convs {
		if _, ok := c.participants[userID]; ok {
			out = append(out, c.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}
