package domain

// LabelKind 表示元素标识的解析来源。
type LabelKind uint8

const (
	// LabelNamespaced 带命名空间的结构化标识（如 "minecraft:stone"）。
	LabelNamespaced LabelKind = iota
	// LabelRaw 原始数字 id（旧格式 chunk 只携带数字 id）。
	LabelRaw
	// LabelOpaque 兜底：元素的文本表示。
	LabelOpaque
)

// Label 是显式变体标签的元素标识。
//
// 解析优先级（必须保持）：namespaced > raw > opaque。
// 优先级由 decoder 在产出元素时一次性解析完毕；它决定了不同 decoder
// 版本之间的 label 冲突行为，下游禁止再做任何形式的探测。
type Label struct {
	Kind  LabelKind
	Value string
}

func (l Label) String() string { return l.Value }

// Namespaced 构造结构化标识 label。
func Namespaced(v string) Label { return Label{Kind: LabelNamespaced, Value: v} }

// Raw 构造数字 id label。
func Raw(v string) Label { return Label{Kind: LabelRaw, Value: v} }

// Opaque 构造兜底文本 label。
func Opaque(v string) Label { return Label{Kind: LabelOpaque, Value: v} }
