package types

import "time"

// Topic 服务端发布的命名、带类型、带版本的值
type Topic struct {
	Name        string
	Value       Value
	Version     uint64
	LastUpdated time.Time
}

// Placeholder 是否为仅由 Want 创建、尚未收到任何值的主题
func (t Topic) Placeholder() bool {
	return t.Value.IsZero()
}

// Subscription 订阅关系，跨重连持久保存
type Subscription struct {
	Pattern string
	Desired bool
}

// TopicChangeEvent 一次被接受的主题变更
type TopicChangeEvent struct {
	Name      string    `json:"name"`
	Value     Value     `json:"value"`
	Type      string    `json:"type,omitempty"`
	Version   uint64    `json:"version"`
	Removed   bool      `json:"removed"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusEvent 连接状态变更通知
type StatusEvent struct {
	State   string `json:"state"`
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`
}
