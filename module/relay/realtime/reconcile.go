package realtime

import "inboxrelay/module/relay/model"

// Reconcile 合并本地已知消息与一次全量拉取的结果：
// 同 id 以拉取结果为准，本地独有的（尚未在服务端可见的乐观写入）保留，按 (createdAt, id) 排序。
// 纯函数，相同入参输出相同。
func Reconcile(existing, fetched []model.Message) []model.Message {
	byID := make(map[string]int, len(existing)+len(fetched))
	out := make([]model.Message, 0, len(existing)+len(fetched))
	for _, m := range fetched {
		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	for _, m := range existing {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	model.SortMessages(out)
	return out
}
