package router

import (
	"context"
	"sync"
)

type MemoryCache struct {
	lock   sync.Mutex
	routes map[string]Route
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		routes: make(map[string]Route),
	}
}

func (m *MemoryCache) Get(ctx context.Context, appId string) (Route, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	route, ok := m.routes[appId]
	return route, ok, nil
}

func (m *MemoryCache) Put(ctx context.Context, appId string, route Route) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.routes[appId] = route
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, appId string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	delete(m.routes, appId)
	return nil
}
