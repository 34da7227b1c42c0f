package main

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scanTargets(t *testing.T, cidr string, unitLo, unitHi uint8) []ScanTarget {
	t.Helper()
	targets, err := TargetSpec{CIDR: cidr, UnitIDLo: unitLo, UnitIDHi: unitHi}.Expand()
	require.NoError(t, err)
	return targets
}

func collectOutcomes(ch <-chan ScanOutcome) []ScanOutcome {
	var outcomes []ScanOutcome
	for outcome := range ch {
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func TestScanEngine_AllVerified(t *testing.T) {
	targets := scanTargets(t, "192.168.1.0/30", 1, 2)
	require.Len(t, targets, 8)

	holding := make([]uint16, 16)
	for i := range holding {
		holding[i] = uint16(i * 100)
	}
	engine := NewScanEngine(staticFactory(fakeTransport{holding: holding}), nil)

	outcomes := collectOutcomes(engine.Scan(context.Background(), targets, ScanOptions{
		Timeout:     time.Second,
		Concurrency: 4,
		VerifyRead:  true,
	}))

	// 每個目標恰好一筆結果
	require.Len(t, outcomes, 8)
	seen := make(map[string]bool)
	for _, outcome := range outcomes {
		key := outcome.Target.String()
		assert.False(t, seen[key], "目標重複: %s", key)
		seen[key] = true

		assert.True(t, outcome.Reachable)
		assert.True(t, outcome.Verified)
		assert.Equal(t, ErrorNone, outcome.Err)
		assert.Len(t, outcome.SampleRegisters, verifyReadCount)
	}
}

func TestScanEngine_Unreachable(t *testing.T) {
	targets := scanTargets(t, "10.0.0.0/30", 1, 1)

	engine := NewScanEngine(staticFactory(fakeTransport{
		connectErr: fmt.Errorf("connection refused"),
	}), nil)

	outcomes := collectOutcomes(engine.Scan(context.Background(), targets, ScanOptions{
		Timeout:     time.Second,
		Concurrency: 2,
		VerifyRead:  true,
	}))

	require.Len(t, outcomes, 4)
	for _, outcome := range outcomes {
		assert.False(t, outcome.Reachable)
		assert.False(t, outcome.Verified)
		assert.Equal(t, ErrorUnreachable, outcome.Err)
		assert.NotEmpty(t, outcome.Detail)
	}
}

func TestScanEngine_ProtocolRejected(t *testing.T) {
	targets := scanTargets(t, "10.0.0.0/31", 1, 1)

	// TCP 連通但協議層拒絕：目標仍視為可達
	engine := NewScanEngine(staticFactory(fakeTransport{
		readErr: &modbus.ModbusError{FunctionCode: 0x83, ExceptionCode: ExceptionCodeIllegalDataAddress},
	}), nil)

	outcomes := collectOutcomes(engine.Scan(context.Background(), targets, ScanOptions{
		Timeout:     time.Second,
		Concurrency: 1,
		VerifyRead:  true,
	}))

	require.Len(t, outcomes, 2)
	for _, outcome := range outcomes {
		assert.True(t, outcome.Reachable)
		assert.False(t, outcome.Verified)
		assert.Equal(t, ErrorProtocolRejected, outcome.Err)
	}
}

func TestScanEngine_NoVerifyRead(t *testing.T) {
	targets := scanTargets(t, "10.0.0.0/31", 1, 1)

	var connects atomic.Int32
	engine := NewScanEngine(func(target ScanTarget, timeout time.Duration) TransportClient {
		return &fakeTransport{connects: &connects}
	}, nil)

	outcomes := collectOutcomes(engine.Scan(context.Background(), targets, ScanOptions{
		Timeout:     time.Second,
		Concurrency: 2,
		VerifyRead:  false,
	}))

	require.Len(t, outcomes, 2)
	for _, outcome := range outcomes {
		assert.True(t, outcome.Reachable)
		assert.False(t, outcome.Verified, "未要求驗證讀取時不應標記 Verified")
		assert.Equal(t, ErrorNone, outcome.Err)
	}
	assert.Equal(t, int32(2), connects.Load())
}

func TestScanEngine_ConcurrencyBound(t *testing.T) {
	targets := scanTargets(t, "192.168.0.0/28", 1, 1)
	require.Len(t, targets, 16)

	var inflight, maxSeen atomic.Int32
	engine := NewScanEngine(func(target ScanTarget, timeout time.Duration) TransportClient {
		return &fakeTransport{
			holding:      make([]uint16, 16),
			connectDelay: 5 * time.Millisecond,
			inflight:     &inflight,
			maxSeen:      &maxSeen,
		}
	}, nil)

	outcomes := collectOutcomes(engine.Scan(context.Background(), targets, ScanOptions{
		Timeout:     time.Second,
		Concurrency: 3,
		VerifyRead:  true,
	}))

	require.Len(t, outcomes, 16)
	assert.LessOrEqual(t, maxSeen.Load(), int32(3), "同時連線數不可超過並行上限")
}

func TestScanEngine_CancelStopsNewTargets(t *testing.T) {
	targets := scanTargets(t, "192.168.0.0/24", 1, 1)
	require.Len(t, targets, 256)

	ctx, cancel := context.WithCancel(context.Background())

	engine := NewScanEngine(staticFactory(fakeTransport{
		holding:      make([]uint16, 16),
		connectDelay: time.Millisecond,
	}), nil)

	ch := engine.Scan(ctx, targets, ScanOptions{
		Timeout:     time.Second,
		Concurrency: 2,
		VerifyRead:  true,
	})

	// 收到第一筆後取消，剩餘目標不再被掃描
	first, ok := <-ch
	require.True(t, ok)
	assert.True(t, first.Reachable)
	cancel()

	outcomes := collectOutcomes(ch)
	total := 1 + len(outcomes)

	assert.Less(t, total, len(targets), "取消後不應掃描全部目標")

	// 進行中的結果仍被排空，且無重複
	seen := map[string]bool{first.Target.String(): true}
	for _, outcome := range outcomes {
		key := outcome.Target.String()
		assert.False(t, seen[key])
		seen[key] = true
	}
}

func TestScanEngine_CancelReleasesWorkers(t *testing.T) {
	targets := scanTargets(t, "192.168.0.0/26", 1, 1)
	require.Len(t, targets, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := NewScanEngine(staticFactory(fakeTransport{
		holding:      make([]uint16, 16),
		connectDelay: time.Millisecond,
	}), nil)

	before := runtime.NumGoroutine()
	ch := engine.Scan(ctx, targets, ScanOptions{
		Timeout:     time.Second,
		Concurrency: 4,
		VerifyRead:  true,
	})

	first, ok := <-ch
	require.True(t, ok)
	require.True(t, first.Reachable)

	// 取消後完全放棄讀取結果串流；worker 不得滯留在結果送出上
	cancel()
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 20*time.Millisecond, "取消後所有掃描 goroutine 應結束")
}
