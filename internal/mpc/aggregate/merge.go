package aggregate

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Merge 按字段合并多个节点响应
//
// 每个键收集所有响应中的值，去掉 nil 与空字符串后：若剩余值全部是对象则递归合并，
// 否则取出现次数最多的值（次数相同取最后出现者）。所有值都为空时该键保留为 nil。
func Merge(responses []map[string]any) map[string]any {
	keys := make([]string, 0)
	seen := make(map[string]struct{})
	for _, r := range responses {
		for k := range r {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	out := make(map[string]any, len(keys))
	for _, k := range keys {
		values := make([]any, 0, len(responses))
		for _, r := range responses {
			v, ok := r[k]
			if !ok || isEmpty(v) {
				continue
			}
			values = append(values, v)
		}

		if len(values) == 0 {
			out[k] = nil
			continue
		}

		if objs, ok := allObjects(values); ok {
			out[k] = Merge(objs)
			continue
		}

		out[k] = MostCommon(values)
	}
	return out
}

// MostCommon 出现次数最多的值，平局时取最后一次出现最晚的值
func MostCommon(values []any) any {
	if len(values) == 0 {
		return nil
	}
	counts, lastIdx, _, keyed := tally(values)

	var best string
	bestCount := -1
	for k, c := range counts {
		if c > bestCount || (c == bestCount && lastIdx[k] > lastIdx[best]) {
			best, bestCount = k, c
		}
	}
	return keyed[best]
}

// LeastCommon 出现次数最少的值，平局时取第一次出现最早的值
func LeastCommon(values []any) any {
	if len(values) == 0 {
		return nil
	}
	counts, _, firstIdx, keyed := tally(values)

	var best string
	bestCount := len(values) + 1
	for k, c := range counts {
		if c < bestCount || (c == bestCount && firstIdx[k] < firstIdx[best]) {
			best, bestCount = k, c
		}
	}
	return keyed[best]
}

// MostCommonString 字符串版本的 MostCommon，忽略空字符串
func MostCommonString(values []string) string {
	in := make([]any, 0, len(values))
	for _, v := range values {
		if v != "" {
			in = append(in, v)
		}
	}
	s, _ := MostCommon(in).(string)
	return s
}

// tally 按规范 JSON 编码计数，返回每个值的次数、最后/首次出现位置以及原始值
func tally(values []any) (map[string]int, map[string]int, map[string]int, map[string]any) {
	counts := make(map[string]int)
	last := make(map[string]int)
	first := make(map[string]int)
	keyed := make(map[string]any)
	for i, v := range values {
		k := canonicalKey(v)
		if _, ok := counts[k]; !ok {
			first[k] = i
			keyed[k] = v
		}
		counts[k]++
		last[k] = i
	}
	return counts, last, first, keyed
}

func canonicalKey(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// 不可编码的值各自成一类
		return "\x00" + errors.Wrap(err, "unencodable").Error()
	}
	return string(b)
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok && s == "" {
		return true
	}
	return false
}

func nonEmpty(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if !isEmpty(v) {
			out = append(out, v)
		}
	}
	return out
}

func allObjects(values []any) ([]map[string]any, bool) {
	out := make([]map[string]any, 0, len(values))
	for _, v := range values {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, m)
	}
	return out, true
}

// DecodeResponses 将节点原始 JSON 解码为对象，数字保持 json.Number
func DecodeResponses(raw []json.RawMessage) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(raw))
	for i, r := range raw {
		dec := json.NewDecoder(bytes.NewReader(r))
		dec.UseNumber()
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return nil, errors.Wrapf(err, "failed to decode node response %d", i)
		}
		if m == nil {
			m = map[string]any{}
		}
		out = append(out, m)
	}
	return out, nil
}

// ExtractShares 从每个响应的 field（如 signedData、claimData）中按名称收集分片
func ExtractShares(responses []map[string]any, field string) map[string][]map[string]any {
	out := make(map[string][]map[string]any)
	for _, r := range responses {
		group, ok := r[field].(map[string]any)
		if !ok {
			continue
		}
		for name, v := range group {
			share, ok := v.(map[string]any)
			if !ok {
				continue
			}
			out[name] = append(out[name], share)
		}
	}
	return out
}
