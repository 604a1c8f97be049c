package anvil

import (
	"encoding/binary"
	"fmt"
	"math"
)

// NBT 标签类型（全部大端序）。
const (
	tagEnd byte = iota
	tagByte
	tagShort
	tagInt
	tagLong
	tagFloat
	tagDouble
	tagByteArray
	tagString
	tagList
	tagCompound
	tagIntArray
	tagLongArray
)

// maxNBTDepth 限制嵌套深度：区块 NBT 的实际嵌套很浅，超深视为数据损坏。
const maxNBTDepth = 64

// compound 是解析后的 TAG_Compound。值类型：
// int8/int16/int32/int64/float32/float64/string/[]byte/[]int32/[]int64/[]any/compound
type compound map[string]any

// parseNBT 解析一段完整的未压缩 NBT，根必须是 TAG_Compound（根名忽略）。
func parseNBT(b []byte) (compound, error) {
	r := &nbtReader{b: b}
	t, err := r.u8()
	if err != nil {
		return nil, err
	}
	if t != tagCompound {
		return nil, fmt.Errorf("NBT 根标签类型 %d，期望 compound", t)
	}
	if _, err := r.str(); err != nil {
		return nil, err
	}
	v, err := r.payload(tagCompound, 0)
	if err != nil {
		return nil, err
	}
	return v.(compound), nil
}

type nbtReader struct {
	b   []byte
	pos int
}

func (r *nbtReader) need(n int) error {
	if n < 0 || r.pos+n > len(r.b) {
		return fmt.Errorf("NBT 数据在偏移 %d 处截断（还需 %d 字节）", r.pos, n)
	}
	return nil
}

func (r *nbtReader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *nbtReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *nbtReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *nbtReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

// str 读取 TAG_String 负载（u16 长度 + 字节）。
// 官方用的是 modified UTF-8；block 名只含 ASCII，这里按原始字节处理即可。
func (r *nbtReader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *nbtReader) payload(t byte, depth int) (any, error) {
	if depth > maxNBTDepth {
		return nil, fmt.Errorf("NBT 嵌套过深（>%d）", maxNBTDepth)
	}

	switch t {
	case tagByte:
		v, err := r.u8()
		return int8(v), err
	case tagShort:
		v, err := r.u16()
		return int16(v), err
	case tagInt:
		v, err := r.u32()
		return int32(v), err
	case tagLong:
		v, err := r.u64()
		return int64(v), err
	case tagFloat:
		v, err := r.u32()
		return math.Float32frombits(v), err
	case tagDouble:
		v, err := r.u64()
		return math.Float64frombits(v), err
	case tagByteArray:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		if err := r.need(int(int32(n))); err != nil {
			return nil, err
		}
		out := make([]byte, int32(n))
		copy(out, r.b[r.pos:])
		r.pos += len(out)
		return out, nil
	case tagString:
		return r.str()
	case tagList:
		return r.list(depth)
	case tagCompound:
		return r.compound(depth)
	case tagIntArray:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		cnt := int(int32(n))
		if err := r.need(cnt * 4); err != nil {
			return nil, err
		}
		out := make([]int32, cnt)
		for i := range out {
			out[i] = int32(binary.BigEndian.Uint32(r.b[r.pos:]))
			r.pos += 4
		}
		return out, nil
	case tagLongArray:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		cnt := int(int32(n))
		if err := r.need(cnt * 8); err != nil {
			return nil, err
		}
		out := make([]int64, cnt)
		for i := range out {
			out[i] = int64(binary.BigEndian.Uint64(r.b[r.pos:]))
			r.pos += 8
		}
		return out, nil
	default:
		return nil, fmt.Errorf("未知 NBT 标签类型 %d（偏移 %d）", t, r.pos)
	}
}

func (r *nbtReader) list(depth int) ([]any, error) {
	et, err := r.u8()
	if err != nil {
		return nil, err
	}
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	cnt := int(int32(n))
	if cnt <= 0 {
		return []any{}, nil
	}
	if et == tagEnd {
		return nil, fmt.Errorf("TAG_List 元素类型为 End 但长度 %d > 0", cnt)
	}
	out := make([]any, 0, cnt)
	for i := 0; i < cnt; i++ {
		v, err := r.payload(et, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *nbtReader) compound(depth int) (compound, error) {
	out := make(compound, 8)
	for {
		t, err := r.u8()
		if err != nil {
			return nil, err
		}
		if t == tagEnd {
			return out, nil
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		v, err := r.payload(t, depth+1)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
}

// 下面是 compound 的类型化取值辅助：键不存在或类型不符都按“缺失”处理，
// 由调用方决定兜底路径（不同存档版本的结构差异很大）。

func (c compound) comp(key string) compound {
	v, _ := c[key].(compound)
	return v
}

func (c compound) list(key string) []any {
	v, _ := c[key].([]any)
	return v
}

func (c compound) str(key string) (string, bool) {
	v, ok := c[key].(string)
	return v, ok
}

func (c compound) longs(key string) []int64 {
	v, _ := c[key].([]int64)
	return v
}

func (c compound) bytes(key string) []byte {
	v, _ := c[key].([]byte)
	return v
}
