package kafka

import (
	"fmt"
	"hash/crc32"
)

// GenTopics 生成 N 个分片 topic：relay.outbound-00, relay.outbound-01, ...
func GenTopics(cfg AppConfig) []string {
	if cfg.TopicCount <= 1 || !hasVerb(cfg.TopicPattern) {
		return []string{cfg.TopicPattern}
	}
	out := make([]string, 0, cfg.TopicCount)
	for i := 0; i < cfg.TopicCount; i++ {
		out = append(out, fmt.Sprintf(cfg.TopicPattern, i))
	}
	return out
}

// SelectTopic 同一 key（会话 id）永远命中同一个 topic
func SelectTopic(key string, topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	h := crc32.ChecksumIEEE([]byte(key))
	return topics[int(h%uint32(len(topics)))]
}

func hasVerb(p string) bool {
	for i := 0; i+1 < len(p); i++ {
		if p[i] == '%' && p[i+1] != '%' {
			return true
		}
	}
	return false
}
