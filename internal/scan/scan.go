package scan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/John-Robertt/mctally/internal/domain"
)

// ErrNoUnits 表示 source 下没有任何匹配 pattern 的 region 文件。
// 按契约这是致命错误（不可重试）：上层应直接终止运行并以非零码退出。
var ErrNoUnits = errors.New("scan: 未发现任何工作单元")

// ScanRegions 枚举 source 下匹配 patterns 的 region 文件，去重后按 ID 排序返回。
//
// 规则（硬约束）：
// - patterns 逐个做 glob；同一文件被多个 pattern 命中只出现一次
// - 只收集常规文件；目录即使匹配也跳过
// - 枚举阶段只做 stat（不读内容）
//
// 返回的 WorkUnit.ID 是相对 source 的 slash 规范化路径：
// checkpoint 以 ID 为键，world 目录整体搬迁后仍可续跑。
func ScanRegions(source string, patterns []string) ([]domain.WorkUnit, error) {
	source = filepath.Clean(source)

	fi, err := os.Stat(source)
	if err != nil {
		return nil, fmt.Errorf("无法访问 source %q：%w", source, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("source %q 不是目录", source)
	}

	seen := make(map[string]bool, 128)
	units := make([]domain.WorkUnit, 0, 128)

	for _, pat := range patterns {
		matches, err := filepath.Glob(filepath.Join(source, pat))
		if err != nil {
			// pattern 语法错误属于配置问题，不降级。
			return nil, fmt.Errorf("pattern %q 无效：%w", pat, err)
		}
		for _, m := range matches {
			m = filepath.Clean(m)
			if seen[m] {
				continue
			}
			seen[m] = true

			info, err := os.Stat(m)
			if err != nil {
				// 枚举与 stat 之间文件消失：跳过即可，不影响其他单元。
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}

			rel, err := filepath.Rel(source, m)
			if err != nil {
				return nil, err
			}

			units = append(units, domain.WorkUnit{
				ID:      filepath.ToSlash(rel),
				AbsPath: m,
				Size:    info.Size(),
				ModUnix: info.ModTime().Unix(),
			})
		}
	}

	if len(units) == 0 {
		return nil, fmt.Errorf("%w（source=%q patterns=%v）", ErrNoUnits, source, patterns)
	}

	// 强制稳定输出：可复现性与可测试性都依赖确定性的枚举顺序。
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}
