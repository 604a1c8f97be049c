// Package checkpoint 持久化运行状态：全局计数 + 已处理单元集合。
// 这是运行期间唯一会被反复写入的工件；每次完成一个单元后整体覆盖。
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/John-Robertt/mctally/internal/domain"
	"github.com/John-Robertt/mctally/internal/infra/fsx"
)

// Version 是 checkpoint 文件格式版本；版本不符的文件拒绝加载（而不是误读）。
const Version = 1

// State 是内存中的运行状态。
//
// 不变量：
// - Processed 的键是 WorkUnit.ID（相对 source 的 slash 路径），跨运行单调不减
// - 对每个 label：Counts[label] == 已处理成功单元的局部计数之和
type State struct {
	Counts    domain.Tally
	Processed map[string]bool
}

func NewState() *State {
	return &State{
		Counts:    make(domain.Tally),
		Processed: make(map[string]bool),
	}
}

// fileState 是落盘结构：processed 排序，保证文件稳定可 diff。
type fileState struct {
	Version        int          `json:"version"`
	Counts         domain.Tally `json:"counts"`
	ProcessedUnits []string     `json:"processed_units"`
}

// Error 是 checkpoint 层的结构化错误（带 error_code）。
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s：checkpoint %q 无效：%v", domain.ErrCodeCheckpointInvalid, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsInvalid 判断 err 是否为 checkpoint 损坏/不兼容。
func IsInvalid(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Store 是 checkpoint 文件的显式句柄。
// 路径由上层（config）决定，driver 不隐式依赖工作目录。
type Store struct {
	Path string
}

func NewStore(path string) Store {
	return Store{Path: filepath.Clean(path)}
}

// Load 读取先前的快照；文件不存在返回全新空状态（首次运行）。
// 解析失败或版本不符返回 *Error：宁可让用户显式处理，也不能静默重算或误读。
func (s Store) Load() (*State, error) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, &Error{Path: s.Path, Err: err}
	}

	var fs fileState
	if err := json.Unmarshal(b, &fs); err != nil {
		return nil, &Error{Path: s.Path, Err: err}
	}
	if fs.Version != Version {
		return nil, &Error{Path: s.Path, Err: fmt.Errorf("版本 %d 不受支持（当前 %d）", fs.Version, Version)}
	}

	st := NewState()
	if fs.Counts != nil {
		st.Counts = fs.Counts
	}
	for _, id := range fs.ProcessedUnits {
		st.Processed[id] = true
	}
	return st, nil
}

// Persist 把完整状态原子写入（临时文件 + rename 覆盖旧快照）。
// 整体覆盖换来简单性：每次写成本 O(label 种数)，在现有规模下可接受。
func (s Store) Persist(st *State) error {
	units := make([]string, 0, len(st.Processed))
	for id := range st.Processed {
		units = append(units, id)
	}
	sort.Strings(units)

	b, err := json.MarshalIndent(fileState{
		Version:        Version,
		Counts:         st.Counts,
		ProcessedUnits: units,
	}, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(s.Path), filepath.Base(s.Path), b)
}
