package roomsync

import (
	"sync"

	"roomAgent/backend/internal/model"
)

// Snapshot 引擎对外只给只读快照，改状态必须走引擎方法
type Snapshot struct {
	Messages []model.Message
	HasMore  bool
}

// Subject 多个被动观察者、一个修改者。Subscribe 返回注销函数。
type Subject struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Snapshot)
}

func NewSubject() *Subject {
	return &Subject{subs: make(map[int]func(Snapshot))}
}

func (s *Subject) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Subject) Notify(snap Snapshot) {
	s.mu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
