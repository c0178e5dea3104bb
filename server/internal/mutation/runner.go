package mutation

import (
	"context"
	"errors"
	"fmt"

	"culinary-atlas/server/internal/metrics"
	"culinary-atlas/server/internal/querycache"
	"culinary-atlas/server/internal/restapi"

	"go.uber.org/zap"
)

// Reporter 接收面向用户的变更失败提示（前端的 toast）
type Reporter interface {
	MutationFailed(name string, message string)
}

// LogReporter 把失败提示写入日志
type LogReporter struct {
	Logger *zap.Logger
}

// MutationFailed 实现 Reporter
func (r LogReporter) MutationFailed(name, message string) {
	if r.Logger == nil {
		return
	}
	r.Logger.Warn("mutation failed", zap.String("mutation", name), zap.String("message", message))
}

// Mutation 静态声明一次变更：做什么，以及它改动的是哪个实体
type Mutation[In, Out any] struct {
	Name   string
	Entity Entity
	Do     func(ctx context.Context, in In) (Out, error)
	// Ref 从输入与输出中提取实体引用，用于计算失效集合
	Ref func(in In, out Out) Ref
}

// Runner 执行变更并在成功后失效相关查询
type Runner struct {
	cache    *querycache.Cache
	graph    *Graph
	reporter Reporter
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRunner 创建 Runner；graph 为 nil 时使用 DefaultGraph
func NewRunner(cache *querycache.Cache, graph *Graph, reporter Reporter, logger *zap.Logger, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if graph == nil {
		graph = DefaultGraph()
	}
	if reporter == nil {
		reporter = LogReporter{Logger: logger}
	}
	return &Runner{
		cache:    cache,
		graph:    graph,
		reporter: reporter,
		logger:   logger,
		metrics:  metrics.OrNew(m),
	}
}

// Graph 返回依赖图
func (r *Runner) Graph() *Graph {
	return r.graph
}

// Run 执行变更。
// 成功：按依赖图失效受影响的查询键；失败：缓存保持不变，把服务端信息交给 Reporter。
func Run[In, Out any](ctx context.Context, r *Runner, m Mutation[In, Out], in In) (Out, error) {
	var zero Out

	// 先校验声明，未登记的实体直接拒绝，不发请求
	if _, err := r.graph.Affected(m.Entity, Ref{}); err != nil {
		return zero, fmt.Errorf("mutation %s: %w", m.Name, err)
	}

	out, err := m.Do(ctx, in)
	if err != nil {
		r.metrics.Mutations.WithLabelValues(m.Name, "failure").Inc()
		r.reporter.MutationFailed(m.Name, UserMessage(err))
		return zero, err
	}
	r.metrics.Mutations.WithLabelValues(m.Name, "success").Inc()

	var ref Ref
	if m.Ref != nil {
		ref = m.Ref(in, out)
	}
	keys, err := r.graph.Affected(m.Entity, ref)
	if err != nil {
		return out, fmt.Errorf("mutation %s: %w", m.Name, err)
	}
	if r.cache != nil {
		n := r.cache.Invalidate(ctx, keys...)
		r.logger.Debug("mutation invalidated queries",
			zap.String("mutation", m.Name),
			zap.Int("keys", len(keys)),
			zap.Int("entries", n))
	}
	return out, nil
}

// UserMessage 从错误中提取可展示给用户的信息
func UserMessage(err error) string {
	var apiErr *restapi.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "Something went wrong, please try again."
}
