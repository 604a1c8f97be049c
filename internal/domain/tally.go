package domain

// Tally 是 label -> 非负计数 的映射。
// 既用于单个 WorkUnit 的局部计数（PartialTally），也用于全局累计（GlobalTally）。
type Tally map[string]uint64

// Merge 把 src 的每个计数累加进 dst。
//
// 约束（硬要求）：
// - 可交换、可结合：并发下单元的完成顺序不确定，最终结果必须与顺序无关
// - 只增不减；src 不被修改
// - dst 必须非 nil（由调用方 make；Merge 不做隐式分配）
func Merge(dst, src Tally) {
	for k, v := range src {
		dst[k] += v
	}
}

// Clone 返回 t 的拷贝（值是标量，浅拷贝即完整拷贝）。
func (t Tally) Clone() Tally {
	out := make(Tally, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Total 返回全部 label 的计数之和（仅用于展示/摘要）。
func (t Tally) Total() uint64 {
	var n uint64
	for _, v := range t {
		n += v
	}
	return n
}
