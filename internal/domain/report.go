package domain

import (
	"sort"
	"time"
)

const (
	StatusCounted = "counted"
	StatusFailed  = "failed"
	StatusFault   = "fault"
)

const (
	ErrCodeSourceEmpty         = "source_empty"
	ErrCodeOpenFailed          = "open_failed"
	ErrCodeIterFailed          = "iter_failed"
	ErrCodeWorkerFault         = "worker_fault"
	ErrCodeIOFailed            = "io_failed"
	ErrCodeConfigNotFound      = "config_not_found"
	ErrCodeConfigInvalid       = "config_invalid"
	ErrCodeConfigMissingSource = "config_missing_source"
	ErrCodeCheckpointInvalid   = "checkpoint_invalid"
)

// RunReport 是对外稳定输出（stdout JSON）的结构。
// 注意它与最终产物 FinalReport 是两个东西：RunReport 描述“这一次运行”，
// FinalReport 描述“累计到现在的全局结果”。
type RunReport struct {
	Source string `json:"source"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Units   []UnitResult  `json:"units"`
}

type ReportSummary struct {
	Counted int `json:"counted"`
	Failed  int `json:"failed"`
	Fault   int `json:"fault"`
	// Resumed 是因 checkpoint 命中而未被派发的单元数（本次运行零工作量）。
	Resumed int `json:"resumed"`
}

// UnitResult 是单个被派发单元的结果（resumed 单元不出现在这里）。
type UnitResult struct {
	Unit   string `json:"unit"`
	Status string `json:"status"`

	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`

	// Elements 是成功解码的元素个数；Distinct 是该单元出现的 label 种数。
	Elements int `json:"elements"`
	Distinct int `json:"distinct"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC（确保 JSON 为 RFC3339 且后缀 Z）
// 2) units 稳定排序：按 unit 字典序；unit=="" 的合成条目排在最后
// 3) summary 的 counted/failed/fault 由 units 计算得出（Resumed 由 driver 直接赋值）
func (r *RunReport) Finalize() {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	sort.SliceStable(r.Units, func(i, j int) bool {
		a := r.Units[i].Unit
		b := r.Units[j].Unit
		if a == "" {
			return false
		}
		if b == "" {
			return true
		}
		return a < b
	})

	resumed := r.Summary.Resumed
	var s ReportSummary
	for _, u := range r.Units {
		switch u.Status {
		case StatusCounted:
			s.Counted++
		case StatusFailed:
			s.Failed++
		case StatusFault:
			s.Fault++
		}
	}
	s.Resumed = resumed
	r.Summary = s
}

// FinalReport 是写到 --out 的最终产物：全局计数 + 已处理单元（排序）。
// 它与 checkpoint 的落盘结构一致，但是独立文件（拷贝，不是 rename）。
type FinalReport struct {
	Counts         Tally    `json:"counts"`
	ProcessedUnits []string `json:"processed_units"`
}

// NewFinalReport 从全局状态构造最终产物；processed 排序以保证输出稳定。
func NewFinalReport(counts Tally, processed map[string]bool) FinalReport {
	units := make([]string, 0, len(processed))
	for id := range processed {
		units = append(units, id)
	}
	sort.Strings(units)
	return FinalReport{
		Counts:         counts.Clone(),
		ProcessedUnits: units,
	}
}
