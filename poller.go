package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MinPollInterval 連續讀取的最小間隔
const MinPollInterval = 100 * time.Millisecond

// PollState 輪詢器狀態
type PollState int32

const (
	PollStateIdle PollState = iota
	PollStateRunning
	PollStateStopped
)

func (s PollState) String() string {
	switch s {
	case PollStateIdle:
		return "idle"
	case PollStateRunning:
		return "running"
	case PollStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Snapshot 一次完整讀取的解碼結果
// 輪詢器每個 tick 發出一份，不保留歷史
type Snapshot struct {
	Target    ScanTarget
	Seq       int // 第幾次讀取 (從 1 起算)
	At        time.Time
	ZeroBased bool // 列中位址與位元編號的定址基準
	Registers []DecodedRegister
}

// Errors 統計快照中帶錯誤的列數
func (s Snapshot) Errors() int {
	n := 0
	for _, r := range s.Registers {
		if r.Err != ErrorNone {
			n++
		}
	}
	return n
}

// PollScheduler 固定間隔的連續讀取排程器
// 進入 Running 時立即執行第一次讀取，之後每次讀取前等待間隔；
// 取消在睡眠中或讀取之間的檢查點生效，不會中斷進行中的單筆讀取
type PollScheduler struct {
	target   ScanTarget
	plan     ReadPlan
	decode   DecodeOptions
	interval time.Duration
	timeout  time.Duration

	factory TransportFactory
	logger  *zap.Logger

	state atomic.Int32
	seq   atomic.Int64
}

// NewPollScheduler 建立輪詢排程器
func NewPollScheduler(target ScanTarget, plan ReadPlan, decode DecodeOptions, interval, timeout time.Duration, factory TransportFactory, logger *zap.Logger) (*PollScheduler, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if interval < MinPollInterval {
		return nil, invalidRangef("輪詢間隔過短 (最小 %v): %v", MinPollInterval, interval)
	}
	if factory == nil {
		factory = NewTCPTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PollScheduler{
		target:   target,
		plan:     plan,
		decode:   decode,
		interval: interval,
		timeout:  timeout,
		factory:  factory,
		logger:   logger,
	}, nil
}

// State 取得當前狀態
func (p *PollScheduler) State() PollState {
	return PollState(p.state.Load())
}

// Run 開始輪詢，每個 tick 發出一份快照，直到 ctx 取消
// 每個 tick 的錯誤都是暫時的：失敗只產生帶錯誤的列，不會停止會話
func (p *PollScheduler) Run(ctx context.Context, out chan<- Snapshot) error {
	if !p.state.CompareAndSwap(int32(PollStateIdle), int32(PollStateRunning)) {
		return fmt.Errorf("輪詢器已經在運行中或已停止")
	}
	defer p.state.Store(int32(PollStateStopped))

	p.logger.Info("開始輪詢",
		zap.String("target", p.target.String()),
		zap.String("kind", p.plan.Kind.String()),
		zap.Uint16("start", p.plan.StartAddress),
		zap.Uint16("count", p.plan.Count),
		zap.Duration("interval", p.interval),
	)

	timer := time.NewTimer(0) // 立即執行第一次讀取
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("輪詢已停止",
				zap.String("target", p.target.String()),
				zap.Int64("reads", p.seq.Load()),
			)
			return nil
		case <-timer.C:
		}

		snap := p.ReadOnce()

		select {
		case out <- snap:
		case <-ctx.Done():
			return nil
		}

		if snap.Errors() > 0 {
			p.logger.Debug("讀取完成 (含錯誤)",
				zap.Int("seq", snap.Seq),
				zap.Int("errors", snap.Errors()),
			)
		}

		timer.Reset(p.interval)
	}
}

// ReadOnce 執行一次完整讀取並解碼
func (p *PollScheduler) ReadOnce() Snapshot {
	var raw []RawValue
	if p.plan.Individual {
		raw = p.readIndividually()
	} else {
		raw = p.readBatch()
	}

	return Snapshot{
		Target:    p.target,
		Seq:       int(p.seq.Add(1)),
		At:        time.Now(),
		ZeroBased: p.decode.ZeroBased,
		Registers: Decode(raw, p.plan, p.decode),
	}
}

// readBatch 一次傳輸呼叫讀取整個範圍
// 失敗時整個範圍共用同一錯誤
func (p *PollScheduler) readBatch() []RawValue {
	client := p.factory(p.target, p.timeout)

	if err := client.Connect(); err != nil {
		return ErroredRaw(ErrorUnreachable, int(p.plan.Count))
	}
	defer client.Close()

	if p.plan.Kind.IsBit() {
		bits, err := readBits(client, p.plan.Kind, p.plan.StartAddress, p.plan.Count)
		if err != nil {
			return ErroredRaw(classifyReadError(err), int(p.plan.Count))
		}
		return BitsToRaw(bits)
	}

	words, err := readWords(client, p.plan.Kind, p.plan.StartAddress, p.plan.Count)
	if err != nil {
		return ErroredRaw(classifyReadError(err), int(p.plan.Count))
	}
	return WordsToRaw(words)
}

// readIndividually 逐一位址讀取
// 單一位址失敗只標記該位置，其他位址照常讀取
func (p *PollScheduler) readIndividually() []RawValue {
	client := p.factory(p.target, p.timeout)

	if err := client.Connect(); err != nil {
		return ErroredRaw(ErrorUnreachable, int(p.plan.Count))
	}
	defer client.Close()

	raw := make([]RawValue, p.plan.Count)
	for i := range raw {
		addr := p.plan.StartAddress + uint16(i)

		if p.plan.Kind.IsBit() {
			bits, err := readBits(client, p.plan.Kind, addr, 1)
			if err != nil {
				raw[i] = RawValue{Err: classifyReadError(err)}
				continue
			}
			raw[i] = RawValue{Bit: bits[0]}
			continue
		}

		words, err := readWords(client, p.plan.Kind, addr, 1)
		if err != nil {
			raw[i] = RawValue{Err: classifyReadError(err)}
			continue
		}
		raw[i] = RawValue{Word: words[0]}
	}

	return raw
}

// readWords 依種類讀取暫存器
func readWords(client TransportClient, kind RegisterKind, address, quantity uint16) ([]uint16, error) {
	switch kind {
	case KindHoldingRegister:
		return client.ReadHoldingRegisters(address, quantity)
	case KindInputRegister:
		return client.ReadInputRegisters(address, quantity)
	default:
		return nil, fmt.Errorf("非暫存器種類: %s", kind)
	}
}

// readBits 依種類讀取位元
func readBits(client TransportClient, kind RegisterKind, address, quantity uint16) ([]bool, error) {
	switch kind {
	case KindCoil:
		return client.ReadCoils(address, quantity)
	case KindDiscreteInput:
		return client.ReadDiscreteInputs(address, quantity)
	default:
		return nil, fmt.Errorf("非位元種類: %s", kind)
	}
}
