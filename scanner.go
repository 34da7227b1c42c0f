package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// 驗證讀取的固定範圍：保持暫存器 0 起算 10 個
const (
	verifyReadAddress = 0
	verifyReadCount   = 10
)

// ScanOptions 掃描參數
type ScanOptions struct {
	Timeout     time.Duration // 單一目標的連線/讀取逾時
	Concurrency int           // 同時開啟的連線數上限
	VerifyRead  bool          // TCP 連通後再做一次協議讀取確認
}

// ScanOutcome 單一目標的掃描結果，每個目標恰好產生一筆
type ScanOutcome struct {
	Target          ScanTarget
	Reachable       bool     // TCP 連線成功
	Verified        bool     // 協議讀取也成功 (僅在 VerifyRead 時有意義)
	SampleRegisters []uint16 // 驗證讀取取得的樣本值
	Elapsed         time.Duration
	Err             ErrorKind
	Detail          string // 底層錯誤描述 (顯示/日誌用)
}

// ScanEngine 併發位址空間掃描引擎
// 固定數量的 worker 從目標序列取工作，每個 worker 獨佔自己的連線
type ScanEngine struct {
	factory TransportFactory
	logger  *zap.Logger
}

// NewScanEngine 建立掃描引擎
func NewScanEngine(factory TransportFactory, logger *zap.Logger) *ScanEngine {
	if factory == nil {
		factory = NewTCPTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanEngine{factory: factory, logger: logger}
}

// Scan 掃描目標序列，回傳結果串流
// 保證：每個目標恰好一筆結果、不重複掃描、同時連線數不超過 Concurrency。
// 取消只停止發出新連線；進行中的連線自然完成或逾時，
// 且無論讀取方是否繼續排空，結果串流都保證關閉
func (e *ScanEngine) Scan(ctx context.Context, targets []ScanTarget, opts ScanOptions) <-chan ScanOutcome {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(targets) && len(targets) > 0 {
		concurrency = len(targets)
	}

	jobs := make(chan ScanTarget)
	out := make(chan ScanOutcome)

	// 發工作：取消時停止發出，新目標不再被掃描
	go func() {
		defer close(jobs)
		for _, target := range targets {
			select {
			case <-ctx.Done():
				return
			case jobs <- target:
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for target := range jobs {
				outcome := e.probe(target, opts)
				// 讀取方在取消後離開也不可滯留 worker
				select {
				case out <- outcome:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// 等待所有 worker 排空後關閉結果串流
	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

// probe 探測單一目標
// 連線資源在所有退出路徑上都會釋放
func (e *ScanEngine) probe(target ScanTarget, opts ScanOptions) ScanOutcome {
	start := time.Now()
	outcome := ScanOutcome{Target: target}

	client := e.factory(target, opts.Timeout)

	if err := client.Connect(); err != nil {
		outcome.Elapsed = time.Since(start)
		outcome.Err = ErrorUnreachable
		outcome.Detail = err.Error()
		e.logger.Debug("目標不可達",
			zap.String("target", target.String()),
			zap.Error(err),
		)
		return outcome
	}
	defer client.Close()

	outcome.Reachable = true

	if opts.VerifyRead {
		regs, err := client.ReadHoldingRegisters(verifyReadAddress, verifyReadCount)
		if err != nil {
			// 協議異常代表設備在線但拒絕了讀取；目標仍視為可達
			outcome.Err = classifyReadError(err)
			outcome.Detail = err.Error()
			var mbErr *modbus.ModbusError
			if errors.As(err, &mbErr) {
				outcome.Detail = exceptionCodeName(mbErr.ExceptionCode)
			}
			e.logger.Debug("驗證讀取失敗",
				zap.String("target", target.String()),
				zap.String("kind", outcome.Err.String()),
				zap.Error(err),
			)
		} else {
			outcome.Verified = true
			outcome.SampleRegisters = regs
		}
	}

	outcome.Elapsed = time.Since(start)
	return outcome
}
