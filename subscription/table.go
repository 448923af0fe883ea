package subscription

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/benbjohnson/clock"

	"busy-cloud/telemetry-relay/protocol"
	"busy-cloud/telemetry-relay/types"
)

// Table 主题订阅表
//
// 只由中继协程访问，不加锁。它是 Topic.Value/Version 的唯一写入者。
type Table struct {
	subscriptions []types.Subscription    // 按插入顺序
	topics        map[string]*types.Topic // name -> topic
	clock         clock.Clock
	logger        *slog.Logger
}

// NewTable 创建新的订阅表
func NewTable(clk clock.Clock, logger *slog.Logger) *Table {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		topics: make(map[string]*types.Topic),
		clock:  clk,
		logger: logger,
	}
}

// Want 添加订阅，返回是否为新增（已订阅的模式保持原有位置）
//
// 精确主题名会预先创建一个占位主题，收到第一帧后确定类型。
func (t *Table) Want(pattern string) (bool, error) {
	if err := ValidatePattern(pattern); err != nil {
		return false, err
	}

	if i := t.index(pattern); i >= 0 {
		if t.subscriptions[i].Desired {
			return false, nil
		}
		t.subscriptions[i].Desired = true
	} else {
		t.subscriptions = append(t.subscriptions, types.Subscription{Pattern: pattern, Desired: true})
	}

	if !IsWildcard(pattern) {
		if _, exists := t.topics[pattern]; !exists {
			t.topics[pattern] = &types.Topic{Name: pattern}
		}
	}

	t.logger.Debug("Topic pattern wanted", "pattern", pattern)
	return true, nil
}

// Unwant 取消订阅，删除不再被任何订阅匹配的主题并返回对应的删除事件
//
// 服务端主动推送、从未被任何订阅匹配的主题不受影响。
func (t *Table) Unwant(pattern string) []types.TopicChangeEvent {
	i := t.index(pattern)
	if i < 0 || !t.subscriptions[i].Desired {
		return nil
	}
	t.subscriptions[i].Desired = false

	now := t.clock.Now()
	var events []types.TopicChangeEvent
	for _, name := range t.sortedNames() {
		if !Match(pattern, name) || t.Matches(name) {
			continue
		}
		topic := t.topics[name]
		delete(t.topics, name)
		if topic.Placeholder() {
			continue
		}
		events = append(events, types.TopicChangeEvent{
			Name:      name,
			Version:   topic.Version,
			Removed:   true,
			Timestamp: now,
		})
	}

	t.logger.Debug("Topic pattern unwanted", "pattern", pattern, "removed", len(events))
	return events
}

// Replay 返回重连后需要重新订阅的模式（按插入顺序），同时清理已取消的订阅
func (t *Table) Replay() []string {
	t.subscriptions = slices.DeleteFunc(t.subscriptions, func(s types.Subscription) bool {
		return !s.Desired
	})

	patterns := make([]string, 0, len(t.subscriptions))
	for _, s := range t.subscriptions {
		patterns = append(patterns, s.Pattern)
	}
	return patterns
}

// Wanted 当前有效的订阅
func (t *Table) Wanted() []types.Subscription {
	out := make([]types.Subscription, 0, len(t.subscriptions))
	for _, s := range t.subscriptions {
		if s.Desired {
			out = append(out, s)
		}
	}
	return out
}

// IsWanted 模式当前是否有效
func (t *Table) IsWanted(pattern string) bool {
	i := t.index(pattern)
	return i >= 0 && t.subscriptions[i].Desired
}

// Matches 主题是否被任一有效订阅匹配
func (t *Table) Matches(name string) bool {
	for _, s := range t.subscriptions {
		if s.Desired && Match(s.Pattern, name) {
			return true
		}
	}
	return false
}

// Apply 应用一个解码后的报文，被接受的变更返回事件，重复或过期的版本返回 nil
func (t *Table) Apply(p protocol.Packet) (*types.TopicChangeEvent, error) {
	switch p := p.(type) {
	case *protocol.TopicUpdatePacket:
		return t.applyUpdate(p)
	case *protocol.TopicRemovedPacket:
		return t.applyRemoved(p), nil
	default:
		return nil, &types.ProtocolError{Err: fmt.Errorf("%w: %s", types.ErrUnexpectedFrame, p.Type())}
	}
}

func (t *Table) applyUpdate(p *protocol.TopicUpdatePacket) (*types.TopicChangeEvent, error) {
	if !p.Value.Type().Valid() {
		return nil, &types.ProtocolError{Topic: p.Name, Err: fmt.Errorf("%w: invalid value type %s", types.ErrMalformedFrame, p.Value.Type())}
	}

	topic, exists := t.topics[p.Name]
	switch {
	case !exists:
		topic = &types.Topic{Name: p.Name}
		t.topics[p.Name] = topic
	case topic.Placeholder():
		// 占位主题接受任意版本
	case topic.Value.Type() != p.Value.Type():
		return nil, &types.ProtocolError{
			Topic: p.Name,
			Err:   fmt.Errorf("%w: stored %s, got %s", types.ErrTypeMismatch, topic.Value.Type(), p.Value.Type()),
		}
	case p.Version <= topic.Version:
		// 重连重放导致的旧帧或重复帧，静默丢弃
		t.logger.Debug("Stale topic update dropped",
			"topic", p.Name,
			"version", p.Version,
			"stored_version", topic.Version)
		return nil, nil
	}

	topic.Value = p.Value.Clone()
	topic.Version = p.Version
	topic.LastUpdated = t.clock.Now()

	return &types.TopicChangeEvent{
		Name:      topic.Name,
		Value:     topic.Value.Clone(),
		Type:      topic.Value.Type().String(),
		Version:   topic.Version,
		Timestamp: topic.LastUpdated,
	}, nil
}

func (t *Table) applyRemoved(p *protocol.TopicRemovedPacket) *types.TopicChangeEvent {
	topic, exists := t.topics[p.Name]
	if !exists {
		return nil
	}
	delete(t.topics, p.Name)
	if topic.Placeholder() {
		return nil
	}
	return &types.TopicChangeEvent{
		Name:      p.Name,
		Version:   topic.Version,
		Removed:   true,
		Timestamp: t.clock.Now(),
	}
}

// Get 返回主题的副本
func (t *Table) Get(name string) (types.Topic, bool) {
	topic, ok := t.topics[name]
	if !ok {
		return types.Topic{}, false
	}
	out := *topic
	out.Value = topic.Value.Clone()
	return out, true
}

// Len 主题数量（含占位主题）
func (t *Table) Len() int {
	return len(t.topics)
}

func (t *Table) index(pattern string) int {
	return slices.IndexFunc(t.subscriptions, func(s types.Subscription) bool {
		return s.Pattern == pattern
	})
}

func (t *Table) sortedNames() []string {
	names := make([]string, 0, len(t.topics))
	for name := range t.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
