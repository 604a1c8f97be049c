package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ErrCodeNotFound 表示无参运行但 cwd 下没有 mctally.json。
	ErrCodeNotFound = "config_not_found"
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = "config_invalid"
	// ErrCodeMissingSource 表示无参运行但配置文件缺少 source 字段。
	ErrCodeMissingSource = "config_missing_source"
)

const (
	// DefaultDecoder 是 decoder 的最终默认值（当 CLI 与配置文件都未指定时）。
	DefaultDecoder = "anvil"
	// DefaultConcurrency 是并发的内置默认值（当配置未指定时）。
	DefaultConcurrency = 4
	// DefaultOut 是最终报告的默认输出路径（相对 cwd）。
	DefaultOut = "counts_final.json"
	// DefaultCheckpointName 是 checkpoint 的默认文件名（位于 source 下）。
	DefaultCheckpointName = "mctally_checkpoint.json"
)

// DefaultPatterns 是 region 文件的默认匹配模式。
// r.*.*.mca 覆盖 vanilla 命名；*.mca 兜底非标准命名（去重由 scan 保证）。
func DefaultPatterns() []string {
	return []string{"r.*.*.mca", "*.mca"}
}

// CLIArgs 只包含 CLI 暴露的三项入口（source/out/concurrency），
// 并保留“是否显式指定”的信息，保证覆盖优先级可实现。
type CLIArgs struct {
	Source string

	Out    string
	OutSet bool

	Concurrency    int
	ConcurrencySet bool
}

// FileConfig 对应 mctally.json 的解析结构。
type FileConfig struct {
	Source      string   `json:"source"`
	Out         string   `json:"out"`
	Concurrency int      `json:"concurrency"`
	Patterns    []string `json:"patterns"`
	Decoder     string   `json:"decoder"`
	Checkpoint  string   `json:"checkpoint"`
	// RetryFailed 控制打开/迭代失败的单元是否留待下次运行重试。
	// 默认 false：失败单元计入已处理（零贡献），避免对永久损坏的文件反复重试。
	RetryFailed *bool `json:"retry_failed"`
}

// EffectiveConfig 是合并并做最小规范化后的最终配置
//（实现层直接消费，不再做二次默认/优先级判断）。
type EffectiveConfig struct {
	Source string
	Out    string

	Concurrency int
	Patterns    []string
	Decoder     string

	// Checkpoint 是快照文件的绝对路径；driver 通过显式句柄使用它，
	// 不隐式依赖工作目录。
	Checkpoint string

	RetryFailed bool
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeMissingSource:
		return fmt.Sprintf("%s：配置文件 %q 缺少必填字段 source", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 按约定发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) CLI 提供 --source：尝试读取 <source>/mctally.json（可选）
// 2) CLI 未提供 --source：必须读取 <cwd>/mctally.json（必选），且其中必须包含 source
//
// 覆盖优先级（固定）：
// - source：CLI > config
// - out：CLI > config > 默认 counts_final.json（相对 cwd）
// - concurrency：CLI > config > 默认 4；范围 [1,32]，超出截断
// - 其他字段（patterns/decoder/checkpoint/retry_failed）：仅由 config 控制
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	if strings.TrimSpace(cli.Source) != "" {
		// CLI 给了 source：配置文件可选，位置固定在 <source>/mctally.json。
		absSource := absCleanFrom(cwdAbs, cli.Source)
		cfgPath := filepath.Join(absSource, "mctally.json")

		fc, _, err := readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		return merge(cwdAbs, absSource, cli, fc, cfgPath)
	}

	// CLI 没给 source：必须读取 <cwd>/mctally.json，且其中必须包含 source。
	cfgPath := filepath.Join(cwdAbs, "mctally.json")
	fc, exists, err := readFileConfig(cfgPath)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}
	if !exists {
		return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
	}
	if strings.TrimSpace(fc.Source) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeMissingSource, Path: cfgPath}
	}

	absSource := absCleanFrom(cwdAbs, fc.Source)
	return merge(cwdAbs, absSource, cli, fc, cfgPath)
}

func merge(cwdAbs, absSource string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	// out：CLI > config > 默认（相对路径都以 cwd 为基准）。
	out := DefaultOut
	if cli.OutSet {
		out = cli.Out
	} else if strings.TrimSpace(fc.Out) != "" {
		out = fc.Out
	}
	if strings.TrimSpace(out) == "" {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("out 不能为空")}
	}
	out = absCleanFrom(cwdAbs, out)

	// concurrency：CLI > config > 默认；范围 [1,32]，超出截断。
	concurrency := DefaultConcurrency
	if cli.ConcurrencySet {
		concurrency = cli.Concurrency
	} else if fc.Concurrency != 0 {
		concurrency = fc.Concurrency
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 32 {
		concurrency = 32
	}

	patterns := DefaultPatterns()
	if len(fc.Patterns) > 0 {
		patterns = make([]string, 0, len(fc.Patterns))
		for _, p := range fc.Patterns {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			patterns = append(patterns, p)
		}
		if len(patterns) == 0 {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: fmt.Errorf("patterns 不能全为空")}
		}
	}

	dec := DefaultDecoder
	if strings.TrimSpace(fc.Decoder) != "" {
		dec = strings.ToLower(strings.TrimSpace(fc.Decoder))
	}

	ckpt := filepath.Join(absSource, DefaultCheckpointName)
	if strings.TrimSpace(fc.Checkpoint) != "" {
		ckpt = absCleanFrom(cwdAbs, fc.Checkpoint)
	}

	retryFailed := false
	if fc.RetryFailed != nil {
		retryFailed = *fc.RetryFailed
	}

	return EffectiveConfig{
		Source:      absSource,
		Out:         out,
		Concurrency: concurrency,
		Patterns:    patterns,
		Decoder:     dec,
		Checkpoint:  ckpt,
		RetryFailed: retryFailed,
	}, nil
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = filepath.Clean(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析 JSON 配置文件。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	if err := json.Unmarshal(b, &fc); err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
