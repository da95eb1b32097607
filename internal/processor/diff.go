package processor

import "github.com/JTang/NotifyHub/internal/collector"

// Diff 返回指纹中尚未通知过的条目，保持文档内出现顺序。
// 整页哈希与存量一致时短路返回空；哈希不同则必须逐条比对，
// 哈希只是提示，不承担正确性。
func Diff(fp *collector.Fingerprint, lastHash string, notified map[string]struct{}) []collector.Item {
	if fp == nil || len(fp.Items) == 0 {
		return nil
	}
	if lastHash != "" && fp.Hash == lastHash {
		return nil
	}

	var fresh []collector.Item
	for _, it := range fp.Items {
		if _, ok := notified[it.ID]; ok {
			continue
		}
		fresh = append(fresh, it)
	}
	return fresh
}
