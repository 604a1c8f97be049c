package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/John-Robertt/mctally/internal/checkpoint"
	"github.com/John-Robertt/mctally/internal/config"
	"github.com/John-Robertt/mctally/internal/decoder"
	"github.com/John-Robertt/mctally/internal/domain"
	"github.com/John-Robertt/mctally/internal/scan"
)

// Execute 执行一次 run，并返回对外稳定的 RunReport 与累计的 FinalReport。
// 该函数尽量把错误“降级”为单元级失败（单个单元失败不影响其他单元，也不中断运行）。
func Execute(ctx context.Context, eff config.EffectiveConfig, reg decoder.Registry, store checkpoint.Store) (domain.RunReport, domain.FinalReport) {
	return ExecuteWithObserver(ctx, eff, reg, store, nil, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 输出进度/阶段信息，
// 以及 zap logger 输出单元级警告（两者都可为 nil）。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, reg decoder.Registry, store checkpoint.Store, obs Observer, logger *zap.Logger) (domain.RunReport, domain.FinalReport) {
	started := time.Now().UTC()

	if logger == nil {
		logger = zap.NewNop()
	}
	if obs != nil {
		obs.OnStart(eff)
	}

	rr := domain.RunReport{
		Source:    eff.Source,
		StartedAt: started,
		Units:     make([]domain.UnitResult, 0, 128),
	}

	dec, ok := reg.Get(eff.Decoder)
	if !ok {
		return finishFailed(rr, domain.ErrCodeConfigInvalid, fmt.Sprintf("未注册的 decoder：%q", eff.Decoder))
	}

	// checkpoint 先于枚举加载：损坏的快照必须显式失败，静默重算会破坏幂等性。
	state, err := store.Load()
	if err != nil {
		return finishFailed(rr, domain.ErrCodeCheckpointInvalid, err.Error())
	}

	scanStarted := time.Now()
	units, err := scan.ScanRegions(eff.Source, eff.Patterns)
	if err != nil {
		code := domain.ErrCodeIOFailed
		if errors.Is(err, scan.ErrNoUnits) {
			code = domain.ErrCodeSourceEmpty
		}
		return finishFailed(rr, code, err.Error())
	}
	scanDur := time.Since(scanStarted)

	// Pending = 枚举结果 − 已处理集合。
	pending := make([]domain.WorkUnit, 0, len(units))
	for _, u := range units {
		if state.Processed[u.ID] {
			continue
		}
		pending = append(pending, u)
	}
	rr.Summary.Resumed = len(units) - len(pending)

	if obs != nil {
		obs.OnPhaseDone("scan", map[string]any{
			"units": len(units),
		}, scanDur)
		obs.OnPhaseDone("resume", map[string]any{
			"resumed": rr.Summary.Resumed,
			"pending": len(pending),
		}, 0)
	}

	workers := eff.Concurrency
	if workers < 1 {
		workers = 1
	}

	if obs != nil {
		obs.OnPhaseDone("exec", map[string]any{
			"workers":     workers,
			"total_units": len(pending),
		}, 0)
	}

	type execResult struct {
		env domain.ResultEnvelope
		dur time.Duration
	}

	jobs := make(chan domain.WorkUnit)
	results := make(chan execResult, len(pending))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range jobs {
				oneStarted := time.Now()
				env := safeProcess(dec, u)
				results <- execResult{
					env: env,
					dur: time.Since(oneStarted),
				}
			}
		}()
	}

	go func() {
		for _, u := range pending {
			jobs <- u
		}
		close(jobs)
		wg.Wait()
		close(results)
	}()

	// 合并与持久化只发生在这一个 goroutine：GlobalTally/ProcessedSet 无需加锁。
	// 每个结果先落 checkpoint 再处理下一个，崩溃最多损失一个在途单元。
	persistBroken := false
	done := 0
	for r := range results {
		done++
		env := r.env

		res := domain.UnitResult{
			Unit:     env.Unit,
			Elements: env.Elements,
			Distinct: len(env.Counts),
		}

		switch {
		case env.Fault:
			// worker 自身崩溃视为环境性/暂时性问题：不计入已处理，下次运行重试。
			res.Status = domain.StatusFault
			res.ErrorCode = domain.ErrCodeWorkerFault
			res.ErrorMsg = env.ErrorMsg
			res.Elements = 0
			res.Distinct = 0
			logger.Warn("worker 崩溃，该单元将在下次运行重试",
				zap.String("unit", env.Unit),
				zap.String("error_code", res.ErrorCode),
				zap.String("error", env.ErrorMsg),
			)
		case env.ErrorCode != "":
			// 单元级错误：零贡献。是否计入已处理由 retry_failed 策略决定。
			res.Status = domain.StatusFailed
			res.ErrorCode = env.ErrorCode
			res.ErrorMsg = env.ErrorMsg
			res.Elements = 0
			res.Distinct = 0
			if !eff.RetryFailed {
				state.Processed[env.Unit] = true
			}
			logger.Warn("单元处理失败",
				zap.String("unit", env.Unit),
				zap.String("error_code", env.ErrorCode),
				zap.String("error", env.ErrorMsg),
				zap.Bool("will_retry", eff.RetryFailed),
			)
		default:
			res.Status = domain.StatusCounted
			domain.Merge(state.Counts, env.Counts)
			state.Processed[env.Unit] = true
		}

		if err := store.Persist(state); err != nil && !persistBroken {
			// 持久化失败不终止运行（内存状态仍正确、最终报告照常产出），
			// 但通过合成条目把退出码压成非零。
			persistBroken = true
			rr.Units = append(rr.Units, domain.UnitResult{
				Status:    domain.StatusFailed,
				ErrorCode: domain.ErrCodeIOFailed,
				ErrorMsg:  fmt.Sprintf("写入 checkpoint 失败：%v", err),
			})
			logger.Error("写入 checkpoint 失败，本次运行不可续跑",
				zap.String("path", store.Path),
				zap.Error(err),
			)
		}

		rr.Units = append(rr.Units, res)
		if obs != nil {
			obs.OnUnitDone(done, len(pending), env.Unit, res, r.dur)
		}
	}

	// 收尾再落一次盘，保证 checkpoint 与最终报告一致。
	if err := store.Persist(state); err != nil && !persistBroken {
		rr.Units = append(rr.Units, domain.UnitResult{
			Status:    domain.StatusFailed,
			ErrorCode: domain.ErrCodeIOFailed,
			ErrorMsg:  fmt.Sprintf("写入 checkpoint 失败：%v", err),
		})
	}

	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr, domain.NewFinalReport(state.Counts, state.Processed)
}

// safeProcess 隔离单元处理中的不可恢复故障：panic 被折算为 Fault 信封，
// 不得污染共享状态，也不得中断兄弟单元。
func safeProcess(dec decoder.Decoder, u domain.WorkUnit) (env domain.ResultEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			env = domain.ResultEnvelope{
				Unit:     u.ID,
				ErrorMsg: fmt.Sprintf("worker panic：%v", r),
				Fault:    true,
			}
		}
	}()
	return processUnit(dec, u)
}

// processUnit 对一个单元执行“解码并计数”。
//
// 错误处置（与产品契约一一对应）：
// - Open 失败：open_failed，零贡献
// - 单个元素损坏（ErrElementSkipped）：跳过该元素，继续
// - 元素流中途失败：iter_failed，已得到的局部计数作废（不给部分学分）
func processUnit(dec decoder.Decoder, u domain.WorkUnit) domain.ResultEnvelope {
	it, err := dec.Open(u.AbsPath)
	if err != nil {
		oe := &decoder.OpenError{Unit: u.ID, Err: err}
		return domain.ResultEnvelope{
			Unit:      u.ID,
			ErrorCode: domain.ErrCodeOpenFailed,
			ErrorMsg:  oe.Error(),
		}
	}
	defer it.Close()

	counts := make(domain.Tally, 64)
	elements := 0
	for {
		lbl, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, decoder.ErrElementSkipped) {
				continue
			}
			ie := &decoder.IterError{Unit: u.ID, Err: err}
			return domain.ResultEnvelope{
				Unit:      u.ID,
				ErrorCode: domain.ErrCodeIterFailed,
				ErrorMsg:  ie.Error(),
			}
		}
		counts[lbl.String()]++
		elements++
	}

	return domain.ResultEnvelope{
		Unit:     u.ID,
		Counts:   counts,
		Elements: elements,
	}
}

// finishFailed 把运行级致命错误降级为单条合成失败条目（保持 stdout JSON 契约）。
func finishFailed(rr domain.RunReport, code, msg string) (domain.RunReport, domain.FinalReport) {
	rr.Units = append(rr.Units, domain.UnitResult{
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
	})
	rr.FinishedAt = time.Now().UTC()
	rr.Finalize()
	return rr, domain.FinalReport{Counts: domain.Tally{}, ProcessedUnits: []string{}}
}
