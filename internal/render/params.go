package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Param 一个 --key=value 参数
type Param struct {
	Key   string
	Value interface{}
}

// Params 有序参数表，JSON 序列化时保持插入顺序
type Params []Param

func (p *Params) Set(key string, value interface{}) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Key: key, Value: value})
}

func (p Params) Get(key string) (interface{}, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", kv.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Args 渲染成 argv，每个元素 --key=value，不经过 shell
func (p Params) Args() []string {
	args := make([]string, 0, len(p))
	for _, kv := range p {
		args = append(args, "--"+kv.Key+"="+formatValue(kv.Value))
	}
	return args
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// ControlnetParams 把 controlnet 配置（数组或对象）转成 unitN_params，键按字母排序
func ControlnetParams(raw string) (Params, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" || raw == "[]" || raw == "{}" {
		return nil, nil
	}

	var units []map[string]interface{}
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &units); err != nil {
			return nil, fmt.Errorf("invalid controlnet: %w", err)
		}
	} else {
		var keyed map[string]map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &keyed); err != nil {
			return nil, fmt.Errorf("invalid controlnet: %w", err)
		}
		ids := make([]string, 0, len(keyed))
		for id := range keyed {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return lessNatural(ids[i], ids[j]) })
		for _, id := range ids {
			units = append(units, keyed[id])
		}
	}

	var params Params
	n := 0
	for _, unit := range units {
		if len(unit) == 0 {
			continue
		}
		n++
		keys := make([]string, 0, len(unit))
		for k := range unit {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+formatValue(unit[k]))
		}
		params = append(params, Param{Key: fmt.Sprintf("unit%d_params", n), Value: strings.Join(parts, ", ")})
	}
	return params, nil
}

// lessNatural 数字键按数值比较，其余按字符串
func lessNatural(a, b string) bool {
	ai, errA := strconv.Atoi(a)
	bi, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

// ParseSnapshot 读取已保存的参数快照，无法解析时返回空 map
func ParseSnapshot(snapshot string) map[string]interface{} {
	out := map[string]interface{}{}
	if snapshot == "" {
		return out
	}
	_ = json.Unmarshal([]byte(snapshot), &out)
	return out
}
