package decoder

import (
	"github.com/John-Robertt/mctally/internal/domain"
)

// Decoder 把“容器文件格式差异”限制在 decoder 实现内部；核心流程只依赖统一接口。
//
// 约束：
// - Open 只负责打开与识别（头部校验），不做全量解析；惰性由 Iterator 承担
// - Open 失败即单元级错误（零贡献），由 driver 统一分类与记录
// - 产出的 Label 必须已按 namespaced > raw > opaque 解析完毕（见 domain.Label）
type Decoder interface {
	Name() string
	Open(path string) (Iterator, error)
}

// Iterator 惰性产出一个单元内的全部元素。
//
// Next 的错误约定：
// - io.EOF：序列正常结束
// - ErrElementSkipped（用 errors.Is 判断）：单个元素/局部损坏，调用方跳过并继续拉取
// - 其他错误：流级失败，单元按 iter_failed 处理（已得到的局部计数作废）
//
// 实现不要求并发安全：一个 Iterator 只被一个 worker 消费。
type Iterator interface {
	Next() (domain.Label, error)
	Close() error
}
