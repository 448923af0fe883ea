package subscription

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPattern 主题过滤器格式错误
var ErrInvalidPattern = errors.New("invalid topic pattern")

// ValidatePattern 校验主题过滤器：'#' 只能单独出现在最后一级，'+' 只能独占一级
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// IsWildcard 过滤器是否包含通配符
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "+#")
}

// Match 匹配主题和主题过滤器
//
// "robot/#" 同时匹配 "robot" 本身及其所有子级。
func Match(filter string, topic string) bool {
	topicParts := strings.Split(topic, "/")
	filterParts := strings.Split(filter, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}

	return len(topicParts) == len(filterParts)
}
