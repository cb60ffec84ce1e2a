package decode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Options 用于定制 Decode 行为。
type Options struct {
	// 是否启用宽松解码（默认 true）：
	// 例如 "123" -> int、1.0 -> int64 等。
	WeaklyTypedInput bool
	// 出现未声明字段时报错
	ErrorUnused bool
}

// DefaultOptions 返回默认选项。
func DefaultOptions() Options {
	return Options{
		WeaklyTypedInput: true,
	}
}

// Payload 把信封里的 payload（任意 JSON 对象）解码到业务结构体 T。
// 字段读取使用 `json` tag；空 payload 返回 T 的零值。
func Payload[T any](raw json.RawMessage, opts ...Options) (*T, error) {
	var out T
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return &out, nil
	}

	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("payload not an object: %w", err)
	}
	if err := Map(m, &out, opts...); err != nil {
		return nil, err
	}
	return &out, nil
}

// Map 将 map 解码到 out（指针）。
func Map(m map[string]any, out any, opts ...Options) error {
	cfg := DefaultOptions()
	if len(opts) > 0 {
		cfg = opts[0]
	}

	decCfg := &mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: cfg.WeaklyTypedInput,
		ErrorUnused:      cfg.ErrorUnused,
		Squash:           true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			jsonNumberHook(),
			floatToIntHook(),
		),
	}

	d, err := mapstructure.NewDecoder(decCfg)
	if err != nil {
		return fmt.Errorf("new decoder: %w", err)
	}
	if err := d.Decode(m); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// -----------------------------
// Decode Hooks
// -----------------------------

// jsonNumberHook：json.Number 按目标类型转成 int64/uint64/float64/string。
func jsonNumberHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		n, ok := data.(json.Number)
		if !ok {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return n.Int64()
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			i, err := n.Int64()
			if err != nil || i < 0 {
				return data, nil
			}
			return uint64(i), nil
		case reflect.Float32, reflect.Float64:
			return n.Float64()
		case reflect.String:
			return n.String(), nil
		}
		return data, nil
	}
}

// floatToIntHook：把 float64 自动转为 int / int32 / int64。
func floatToIntHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Kind, data any) (any, error) {
		if from != reflect.Float64 {
			return data, nil
		}
		switch to {
		case reflect.Int:
			return int(data.(float64)), nil
		case reflect.Int32:
			return int32(data.(float64)), nil
		case reflect.Int64:
			return int64(data.(float64)), nil
		}
		return data, nil
	}
}
