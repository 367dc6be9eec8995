package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"roomAgent/backend/internal/model"
)

// 内存实现：不配 MySQL 时 agent 也能跑（离线演示/测试用），
// 语义对齐 gorm 实现——幂等插入、服务端时间戳、倒序范围读。
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  uint64
	msgs    map[string][]model.Message // roomID -> 升序
	strokes map[string][]model.Stroke  // sheetID -> 升序
	byKey   map[string]uint64          // roomID+"/"+clientMessageID -> id
}

var (
	_ MessageStore = (*MemoryStore)(nil)
	_ StrokeStore  = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:  1,
		msgs:    make(map[string][]model.Message),
		strokes: make(map[string][]model.Stroke),
		byKey:   make(map[string]uint64),
	}
}

func (s *MemoryStore) ListNewest(ctx context.Context, roomID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[roomID]
	out := make([]model.Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *MemoryStore) ListBefore(ctx context.Context, roomID string, before time.Time, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.msgs[roomID]
	out := make([]model.Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].CreatedAt.Before(before) {
			out = append(out, all[i])
		}
	}
	return out, nil
}

func (s *MemoryStore) Insert(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := msg.RoomID + "/" + msg.ClientMessageID
	if id, ok := s.byKey[key]; ok && msg.ClientMessageID != "" {
		// 幂等：返回已确认的那条
		for _, m := range s.msgs[msg.RoomID] {
			if m.ID == id {
				*msg = m
				return nil
			}
		}
		return nil
	}
	msg.ID = s.nextID
	s.nextID++
	msg.CreatedAt = time.Now()
	msg.Pending = false
	s.msgs[msg.RoomID] = append(s.msgs[msg.RoomID], *msg)
	if msg.ClientMessageID != "" {
		s.byKey[key] = msg.ID
	}
	return nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, roomID string, ids []uint64) error {
	return s.mark(roomID, ids, false)
}

func (s *MemoryStore) MarkSeen(ctx context.Context, roomID string, ids []uint64) error {
	return s.mark(roomID, ids, true)
}

func (s *MemoryStore) mark(roomID string, ids []uint64, seen bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	all := s.msgs[roomID]
	for i := range all {
		if _, ok := want[all[i].ID]; ok {
			all[i].Delivered = true
			if seen {
				all[i].Seen = true
			}
		}
	}
	return nil
}

func (s *MemoryStore) AddReaction(ctx context.Context, messageID uint64, r model.Reaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for roomID := range s.msgs {
		all := s.msgs[roomID]
		for i := range all {
			if all[i].ID != messageID {
				continue
			}
			for _, existing := range all[i].Reactions {
				if existing.Emoji == r.Emoji && existing.UserID == r.UserID {
					return nil
				}
			}
			all[i].Reactions = append(all[i].Reactions, r)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) SaveStrokes(ctx context.Context, strokes []model.Stroke) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range strokes {
		dup := false
		for _, existing := range s.strokes[st.SheetID] {
			if existing.ID == st.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.strokes[st.SheetID] = append(s.strokes[st.SheetID], st)
		}
	}
	return nil
}

func (s *MemoryStore) ListRecent(ctx context.Context, sheetID string, limit int) ([]model.Stroke, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := append([]model.Stroke(nil), s.strokes[sheetID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// MessageCount 测试用
func (s *MemoryStore) MessageCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs[roomID])
}
