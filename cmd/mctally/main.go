package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/John-Robertt/mctally/internal/app/run"
	"github.com/John-Robertt/mctally/internal/checkpoint"
	"github.com/John-Robertt/mctally/internal/config"
	"github.com/John-Robertt/mctally/internal/decoder"
	"github.com/John-Robertt/mctally/internal/decoder/anvil"
	"github.com/John-Robertt/mctally/internal/domain"
	"github.com/John-Robertt/mctally/internal/infra/fsx"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 || isHelp(args[0]) {
		printUsage()
		return
	}

	switch args[0] {
	case "run":
		if code := runCmd(args[1:]); code != 0 {
			os.Exit(code)
		}
	default:
		fmt.Fprintf(os.Stderr, "未知命令：%q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func runCmd(args []string) int {
	for _, a := range args {
		if isHelp(a) {
			printRunUsage()
			return 0
		}
	}

	ra, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "参数错误：%v\n\n", err)
		printRunUsage()
		return 2
	}

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取当前目录失败：%v\n", err)
		return 1
	}

	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		Source:         ra.Source,
		Out:            ra.Out,
		OutSet:         ra.OutSet,
		Concurrency:    ra.Concurrency,
		ConcurrencySet: ra.ConcurrencySet,
	})
	if err != nil {
		rr := reportForConfigError(cwd, err)
		emitReport(rr)
		return 1
	}

	reg, e := decoder.NewRegistry(
		anvil.Decoder{},
	)
	if e != nil {
		fmt.Fprintf(os.Stderr, "初始化 decoder registry 失败：%v\n", e)
		return 1
	}

	store := checkpoint.NewStore(eff.Checkpoint)
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	progressW, interactive := pickProgressWriter()
	var obs run.Observer
	if interactive {
		obs = newProgressUI(progressW)
	}

	rr, final := run.ExecuteWithObserver(context.Background(), eff, reg, store, obs, logger)

	// 致命失败（source 为空/配置或快照无效）时不落最终报告，避免覆盖上次的有效产物。
	if !hasFatal(rr) {
		if err := writeFinalReport(eff.Out, final); err != nil {
			fmt.Fprintf(os.Stderr, "写入最终报告失败：%v\n", err)
			emitReport(rr)
			return 1
		}
	}

	emitReport(rr)
	if interactive {
		emitLocations(progressW, eff)
	}
	if hasFatal(rr) {
		return 1
	}
	// 单元级错误只警告不改变退出码：能统计多少统计多少。
	return 0
}

type runArgs struct {
	Source string

	Out    string
	OutSet bool

	Concurrency    int
	ConcurrencySet bool
}

func parseRunArgs(args []string) (runArgs, error) {
	ra := runArgs{}

	takeValue := func(name string, i *int) (string, error) {
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s 需要一个值", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--source":
			v, err := takeValue("--source", &i)
			if err != nil {
				return runArgs{}, err
			}
			ra.Source = v
		case strings.HasPrefix(a, "--source="):
			ra.Source = strings.TrimPrefix(a, "--source=")
		case a == "--out":
			v, err := takeValue("--out", &i)
			if err != nil {
				return runArgs{}, err
			}
			ra.Out = v
			ra.OutSet = true
		case strings.HasPrefix(a, "--out="):
			ra.Out = strings.TrimPrefix(a, "--out=")
			ra.OutSet = true
		case a == "--concurrency":
			v, err := takeValue("--concurrency", &i)
			if err != nil {
				return runArgs{}, err
			}
			n, err := strconv.Atoi(v)
			if err != nil {
				return runArgs{}, fmt.Errorf("--concurrency 必须是整数，实际是 %q", v)
			}
			ra.Concurrency = n
			ra.ConcurrencySet = true
		case strings.HasPrefix(a, "--concurrency="):
			v := strings.TrimPrefix(a, "--concurrency=")
			n, err := strconv.Atoi(v)
			if err != nil {
				return runArgs{}, fmt.Errorf("--concurrency 必须是整数，实际是 %q", v)
			}
			ra.Concurrency = n
			ra.ConcurrencySet = true
		default:
			return runArgs{}, fmt.Errorf("未知参数 %q", a)
		}
	}

	if ra.ConcurrencySet && ra.Concurrency < 1 {
		return runArgs{}, fmt.Errorf("--concurrency 必须是正整数，实际是 %d", ra.Concurrency)
	}
	if ra.OutSet && strings.TrimSpace(ra.Out) == "" {
		return runArgs{}, fmt.Errorf("--out 不能为空")
	}

	return ra, nil
}

func isHelp(s string) bool {
	return s == "-h" || s == "--help" || s == "help"
}

func printUsage() {
	fmt.Fprint(os.Stdout, `用法：
  mctally run [--source 目录] [--out 文件] [--concurrency N]

命令：
  run    扫描 region 文件并统计 block 数量（支持断点续跑）

使用 "mctally run --help" 查看详细说明。
`)
}

func printRunUsage() {
	fmt.Fprint(os.Stdout, `用法：
  mctally run [--source 目录] [--out 文件] [--concurrency N]

参数：
  --source       region 目录（未指定则读 <cwd>/mctally.json 的 source 字段）
  --out          最终报告路径（默认 counts_final.json）
  --concurrency  并发 worker 数，范围 [1,32]（默认 4）
  -h, --help     显示帮助

说明：
  checkpoint 默认写在 <source>/mctally_checkpoint.json；中断后重跑会
  跳过其中已处理的 region。单个 region 的错误只产生警告，不中断统计。
`)
}

// newLogger 构造诊断流 logger：console 编码，只输出到 stderr（stdout 留给 JSON 契约）。
func newLogger() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.WarnLevel,
	)
	return zap.New(core)
}

func emitReport(rr domain.RunReport) {
	if isTTY(os.Stdout) {
		fmt.Fprintf(os.Stdout, "完成：counted=%d failed=%d fault=%d resumed=%d\n",
			rr.Summary.Counted, rr.Summary.Failed, rr.Summary.Fault, rr.Summary.Resumed,
		)
		return
	}

	// stdout 非 TTY：stdout 必须且仅输出一个 RunReport JSON（日志/摘要走 stderr）。
	enc := json.NewEncoder(os.Stdout)
	_ = enc.Encode(rr)
	fmt.Fprintf(os.Stderr, "完成：counted=%d failed=%d fault=%d resumed=%d\n",
		rr.Summary.Counted, rr.Summary.Failed, rr.Summary.Fault, rr.Summary.Resumed,
	)
}

// hasFatal 判断报告里是否存在运行级合成条目（unit 为空 => 不是某个具体单元的失败）。
func hasFatal(rr domain.RunReport) bool {
	for _, u := range rr.Units {
		if u.Unit == "" && u.Status == domain.StatusFailed {
			return true
		}
	}
	return false
}

func reportForConfigError(cwd string, err error) domain.RunReport {
	cwdAbs, _ := filepath.Abs(cwd)
	rr := domain.RunReport{
		Source: cwdAbs,
		Units: []domain.UnitResult{{
			Status:    domain.StatusFailed,
			ErrorCode: config.Code(err),
			ErrorMsg:  err.Error(),
		}},
	}
	rr.Finalize()
	return rr
}

func writeFinalReport(out string, final domain.FinalReport) error {
	b, err := json.MarshalIndent(final, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return fsx.WriteFileAtomicReplace(filepath.Dir(out), filepath.Base(out), b)
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func pickProgressWriter() (io.Writer, bool) {
	// 进度输出只在交互终端启用；默认走 stderr（不污染 stdout JSON）。
	if isTTY(os.Stderr) {
		return os.Stderr, true
	}
	// 某些环境（例如仅重定向 stderr）下，stdout 仍是 TTY：退化输出到 stdout。
	if isTTY(os.Stdout) {
		return os.Stdout, true
	}
	return nil, false
}

func emitLocations(w io.Writer, eff config.EffectiveConfig) {
	// 这两行用于降低“完成后不知道产物在哪”的摩擦，且不影响 stdout JSON 契约。
	if w == nil {
		return
	}
	fmt.Fprintf(w, "report: %s\n", eff.Out)
	fmt.Fprintf(w, "checkpoint: %s\n", eff.Checkpoint)
}
