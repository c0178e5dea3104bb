package mutation

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"culinary-atlas/server/internal/querycache"
)

// ErrUnknownEntity 变更声明的实体没有注册任何派生视图
var ErrUnknownEntity = errors.New("mutation: unknown entity")

// Entity 被变更的领域实体
type Entity string

const (
	EntityReview       Entity = "review"
	EntityNotification Entity = "notification"
)

// Ref 描述一次变更涉及的实体引用，派生视图据此计算查询键
type Ref struct {
	ID           string
	RestaurantID string
}

// View 根据实体引用给出一个受影响的查询键；返回 nil 表示该视图不受影响
type View func(ref Ref) querycache.Key

// Graph 显式的依赖图：实体 -> 派生视图
type Graph struct {
	mu    sync.RWMutex
	views map[Entity][]View
}

// NewGraph 创建空依赖图
func NewGraph() *Graph {
	return &Graph{views: make(map[Entity][]View)}
}

// DefaultGraph 返回 Culinary Atlas 的依赖图
func DefaultGraph() *Graph {
	g := NewGraph()
	g.MustRegister(EntityReview,
		func(ref Ref) querycache.Key {
			if ref.RestaurantID == "" {
				return nil
			}
			return querycache.NewKey("reviews", ref.RestaurantID)
		},
		func(ref Ref) querycache.Key {
			if ref.RestaurantID == "" {
				return nil
			}
			return querycache.NewKey("restaurants", ref.RestaurantID)
		},
		func(Ref) querycache.Key { return querycache.NewKey("reviews", "mine") },
	)
	g.MustRegister(EntityNotification,
		func(Ref) querycache.Key { return querycache.NewKey("notifications") },
	)
	return g
}

// Register 为实体登记派生视图；至少需要一个视图
func (g *Graph) Register(entity Entity, views ...View) error {
	if len(views) == 0 {
		return fmt.Errorf("%w: %s has no views", ErrUnknownEntity, entity)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.views[entity] = append(g.views[entity], views...)
	return nil
}

// MustRegister 同 Register，失败时 panic（用于静态初始化）
func (g *Graph) MustRegister(entity Entity, views ...View) {
	if err := g.Register(entity, views...); err != nil {
		panic(err)
	}
}

// Affected 计算实体变更后需要失效的查询键集合（去重、稳定排序）
func (g *Graph) Affected(entity Entity, ref Ref) ([]querycache.Key, error) {
	g.mu.RLock()
	views, ok := g.views[entity]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	seen := make(map[string]struct{})
	var keys []querycache.Key
	for _, view := range views {
		key := view(ref)
		if key == nil {
			continue
		}
		s := key.String()
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

// Entities 返回已登记的实体，用于生成映射表
func (g *Graph) Entities() []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Entity, 0, len(g.views))
	for e := range g.views {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
