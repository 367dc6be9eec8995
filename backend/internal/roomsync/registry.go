package roomsync

import "sync"

// Registry 按房间 id 管引擎实例："一房一引擎"由这里保证，
// 不搞全局单例——注册表本身由 composition root 持有并显式传给消费方。
type Registry struct {
	mu      sync.Mutex
	engines map[string]*Engine
	factory func(roomID string) *Engine
}

func NewRegistry(factory func(roomID string) *Engine) *Registry {
	return &Registry{
		engines: make(map[string]*Engine),
		factory: factory,
	}
}

// Get 取该房间的引擎，没有就建一个
func (r *Registry) Get(roomID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[roomID]; ok {
		return e
	}
	e := r.factory(roomID)
	r.engines[roomID] = e
	return e
}

// Remove 关闭并移除该房间的引擎
func (r *Registry) Remove(roomID string) {
	r.mu.Lock()
	e := r.engines[roomID]
	delete(r.engines, roomID)
	r.mu.Unlock()
	if e != nil {
		e.Close()
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()
	for _, e := range engines {
		e.Close()
	}
}
