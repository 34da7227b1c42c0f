package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// FixtureState 模擬裝置狀態
type FixtureState int32

const (
	FixtureStateStopped FixtureState = iota
	FixtureStateStarting
	FixtureStateRunning
	FixtureStateStopping
)

func (s FixtureState) String() string {
	switch s {
	case FixtureStateStopped:
		return "stopped"
	case FixtureStateStarting:
		return "starting"
	case FixtureStateRunning:
		return "running"
	case FixtureStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// 固定測試資料的位址配置
const (
	fixtureSampleBase  = 0  // 10 個遞增數值
	fixtureFloatBase   = 10 // float32 10.0 的高低字組
	fixtureStringBase  = 20 // ASCII 文字
	fixtureCounterAddr = 30 // counter 模式遞增
	fixtureWaveAddr    = 40 // wave 模式正弦值
)

// 回應非法資料位址的「空洞」位址，供逐筆讀取測試
var fixtureHoles = []uint16{50, 51}

const fixtureText = "MODSCAN OK"

// FixtureStats 模擬裝置統計
type FixtureStats struct {
	StartTime    time.Time
	RequestCount atomic.Uint64
	ErrorCount   atomic.Uint64
}

// FixtureServer 內建 Modbus TCP 模擬裝置
// 提供固定測試資料與可選的動態更新模式，作為掃描與輪詢的對測端
type FixtureServer struct {
	mu sync.Mutex

	Listen  string
	Port    int
	Profile string

	state atomic.Int32

	server *mbserver.Server
	stats  FixtureStats

	updateCtx  context.Context
	updateStop context.CancelFunc

	logger *zap.Logger
}

// FixtureOption 模擬裝置配置選項
type FixtureOption func(*FixtureServer)

// WithFixtureProfile 設定更新模式 (static / counter / wave)
func WithFixtureProfile(profile string) FixtureOption {
	return func(f *FixtureServer) {
		f.Profile = profile
	}
}

// WithFixtureLogger 設定日誌
func WithFixtureLogger(logger *zap.Logger) FixtureOption {
	return func(f *FixtureServer) {
		f.logger = logger
	}
}

// NewFixtureServer 建立模擬裝置
func NewFixtureServer(listen string, port int, opts ...FixtureOption) *FixtureServer {
	f := &FixtureServer{
		Listen:  listen,
		Port:    port,
		Profile: "static",
	}

	for _, opt := range opts {
		opt(f)
	}

	if f.logger == nil {
		f.logger, _ = zap.NewProduction()
	}

	return f
}

// Start 啟動模擬裝置
func (f *FixtureServer) Start(ctx context.Context) error {
	if !f.state.CompareAndSwap(int32(FixtureStateStopped), int32(FixtureStateStarting)) {
		return fmt.Errorf("模擬裝置已經在運行中")
	}

	f.server = mbserver.NewServer()
	f.loadFixtures()
	f.installHandlers()

	f.stats.StartTime = time.Now()
	addr := fmt.Sprintf("%s:%d", f.Listen, f.Port)

	if err := f.server.ListenTCP(addr); err != nil {
		f.state.Store(int32(FixtureStateStopped))
		return fmt.Errorf("監聽 %s 失敗: %w", addr, err)
	}

	f.updateCtx, f.updateStop = context.WithCancel(ctx)
	go f.runUpdater()

	f.state.Store(int32(FixtureStateRunning))

	f.logger.Info("模擬裝置已啟動",
		zap.String("addr", addr),
		zap.String("profile", f.Profile),
	)

	return nil
}

// Stop 停止模擬裝置
func (f *FixtureServer) Stop() error {
	if !f.state.CompareAndSwap(int32(FixtureStateRunning), int32(FixtureStateStopping)) {
		return nil // 已經停止
	}

	if f.updateStop != nil {
		f.updateStop()
	}

	if f.server != nil {
		f.server.Close()
	}

	f.state.Store(int32(FixtureStateStopped))

	f.logger.Info("模擬裝置已停止",
		zap.Duration("uptime", time.Since(f.stats.StartTime)),
		zap.Uint64("requests", f.stats.RequestCount.Load()),
	)

	return nil
}

// State 取得當前狀態
func (f *FixtureServer) State() FixtureState {
	return FixtureState(f.state.Load())
}

// Stats 取得統計資訊
func (f *FixtureServer) Stats() *FixtureStats {
	return &f.stats
}

// loadFixtures 寫入固定測試資料
func (f *FixtureServer) loadFixtures() {
	f.mu.Lock()
	defer f.mu.Unlock()

	// 保持暫存器：遞增數值
	for i := 0; i < 10; i++ {
		f.server.HoldingRegisters[fixtureSampleBase+i] = uint16(100 * (i + 1))
	}

	// float32 10.0 (0x41200000)
	f.server.HoldingRegisters[fixtureFloatBase] = 0x4120
	f.server.HoldingRegisters[fixtureFloatBase+1] = 0x0000

	// ASCII 文字，每個暫存器兩個字元
	for i := 0; i+1 < len(fixtureText); i += 2 {
		f.server.HoldingRegisters[fixtureStringBase+i/2] =
			uint16(fixtureText[i])<<8 | uint16(fixtureText[i+1])
	}

	// 輸入暫存器
	for i := 0; i < 10; i++ {
		f.server.InputRegisters[i] = uint16(i + 1)
	}

	// 線圈與離散輸入：交錯位元樣式
	for i := 0; i < 16; i++ {
		if i%2 == 1 {
			f.server.Coils[i] = 1
		}
		if i%3 == 0 {
			f.server.DiscreteInputs[i] = 1
		}
	}
}

// installHandlers 掛載讀取處理器：統計請求數，保持暫存器另檢查空洞位址
func (f *FixtureServer) installHandlers() {
	countOnly := func(delegate func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)) func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception) {
		return func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
			f.stats.RequestCount.Add(1)
			return delegate(s, frame)
		}
	}

	f.server.RegisterFunctionHandler(FuncCodeReadCoils, countOnly(mbserver.ReadCoils))
	f.server.RegisterFunctionHandler(FuncCodeReadDiscreteInputs, countOnly(mbserver.ReadDiscreteInputs))
	f.server.RegisterFunctionHandler(FuncCodeReadInputRegisters, countOnly(mbserver.ReadInputRegisters))

	f.server.RegisterFunctionHandler(FuncCodeReadHoldingRegisters,
		func(s *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
			f.stats.RequestCount.Add(1)

			data := frame.GetData()
			register := int(binary.BigEndian.Uint16(data[0:2]))
			quantity := int(binary.BigEndian.Uint16(data[2:4]))

			if quantity < 1 || register+quantity > 65536 {
				f.stats.ErrorCount.Add(1)
				return []byte{}, &mbserver.IllegalDataAddress
			}
			for _, hole := range fixtureHoles {
				if int(hole) >= register && int(hole) < register+quantity {
					f.stats.ErrorCount.Add(1)
					return []byte{}, &mbserver.IllegalDataAddress
				}
			}

			return mbserver.ReadHoldingRegisters(s, frame)
		})
}

// runUpdater 依模式週期更新暫存器值
func (f *FixtureServer) runUpdater() {
	if f.Profile == "static" {
		return
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-f.updateCtx.Done():
			return
		case <-ticker.C:
			tick++
			f.applyProfile(tick)
		}
	}
}

// applyProfile 套用單次更新
func (f *FixtureServer) applyProfile(tick uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.Profile {
	case "counter":
		f.server.HoldingRegisters[fixtureCounterAddr] = uint16(tick)
	case "wave":
		// 0-1000 之間的正弦波
		v := 500 + 500*math.Sin(float64(tick)/10*2*math.Pi)
		f.server.HoldingRegisters[fixtureWaveAddr] = uint16(v)
	}
}
