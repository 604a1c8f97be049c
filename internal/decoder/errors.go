package decoder

import (
	"errors"
	"fmt"
)

// ErrElementSkipped 标记单个元素（或一个局部，如损坏的 chunk）解码失败。
// 调用方应当吞掉它并继续拉取下一个元素；它不会改变单元的最终处置。
var ErrElementSkipped = errors.New("decoder: 元素损坏，已跳过")

// OpenError 表示单元完全无法打开/识别。
// 按契约该单元零贡献；是否计入已处理集合由 driver 的重试策略决定。
type OpenError struct {
	Unit string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("打开单元失败：%q：%v", e.Unit, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// IterError 表示解码已经开始、但元素流中途整体失败。
// 处置与 OpenError 相同：零贡献（已得到的局部计数必须作废）。
type IterError struct {
	Unit string
	Err  error
}

func (e *IterError) Error() string {
	return fmt.Sprintf("单元元素流中断：%q：%v", e.Unit, e.Err)
}

func (e *IterError) Unwrap() error { return e.Err }
