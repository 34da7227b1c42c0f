package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetSpec_Expand_SingleHost(t *testing.T) {
	spec := TargetSpec{Host: "192.168.1.10", UnitIDLo: 1, UnitIDHi: 1}

	targets, err := spec.Expand()
	require.NoError(t, err)
	require.Len(t, targets, 1)

	assert.Equal(t, "192.168.1.10", targets[0].Host.String())
	assert.Equal(t, uint16(ModbusTCPDefaultPort), targets[0].Port, "未指定埠號時使用 502")
	assert.Equal(t, uint8(1), targets[0].UnitID)
}

func TestTargetSpec_Expand_CIDRWithUnitRange(t *testing.T) {
	// /30 = 4 個位址 × 2 個 unit id = 8 個目標
	spec := TargetSpec{CIDR: "192.168.1.0/30", Port: 1502, UnitIDLo: 1, UnitIDHi: 2}

	targets, err := spec.Expand()
	require.NoError(t, err)
	require.Len(t, targets, 8)

	// 主機遞增，每台主機內 unit id 遞增
	assert.Equal(t, "192.168.1.0", targets[0].Host.String())
	assert.Equal(t, uint8(1), targets[0].UnitID)
	assert.Equal(t, uint8(2), targets[1].UnitID)
	assert.Equal(t, "192.168.1.1", targets[2].Host.String())
	assert.Equal(t, "192.168.1.3", targets[6].Host.String())
	assert.Equal(t, uint16(1502), targets[0].Port)

	// 無重複
	seen := make(map[string]bool)
	for _, target := range targets {
		key := target.String()
		assert.False(t, seen[key], "目標不可重複: %s", key)
		seen[key] = true
	}
}

func TestTargetSpec_Expand_Deterministic(t *testing.T) {
	spec := TargetSpec{CIDR: "10.0.0.0/29", UnitIDLo: 1, UnitIDHi: 3}

	first, err := spec.Expand()
	require.NoError(t, err)
	second, err := spec.Expand()
	require.NoError(t, err)

	assert.Equal(t, first, second, "重複展開必須產生相同序列")
}

func TestTargetSpec_Expand_InvalidRanges(t *testing.T) {
	tests := []struct {
		name string
		spec TargetSpec
	}{
		{
			name: "unit id 為 0",
			spec: TargetSpec{Host: "192.168.1.1", UnitIDLo: 0, UnitIDHi: 1},
		},
		{
			name: "unit id 超過 247",
			spec: TargetSpec{Host: "192.168.1.1", UnitIDLo: 1, UnitIDHi: 248},
		},
		{
			name: "unit id 範圍顛倒",
			spec: TargetSpec{Host: "192.168.1.1", UnitIDLo: 5, UnitIDHi: 2},
		},
		{
			name: "無效的 IP",
			spec: TargetSpec{Host: "not-an-ip", UnitIDLo: 1, UnitIDHi: 1},
		},
		{
			name: "無效的 CIDR",
			spec: TargetSpec{CIDR: "192.168.1.0/99", UnitIDLo: 1, UnitIDHi: 1},
		},
		{
			name: "網段過大",
			spec: TargetSpec{CIDR: "10.0.0.0/8", UnitIDLo: 1, UnitIDHi: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.spec.Expand()
			require.Error(t, err)

			var rangeErr *InvalidRangeError
			assert.True(t, errors.As(err, &rangeErr), "應為 InvalidRangeError: %v", err)
		})
	}
}

func TestTargetSpec_Expand_MaxHostsGuard(t *testing.T) {
	// /24 = 256 個位址，上限 100 時整個展開被拒絕
	spec := TargetSpec{CIDR: "192.168.1.0/24", UnitIDLo: 1, UnitIDHi: 1, MaxHosts: 100}

	_, err := spec.Expand()
	require.Error(t, err)

	var rangeErr *InvalidRangeError
	assert.True(t, errors.As(err, &rangeErr))

	// 放寬上限後同一網段可以展開
	spec.MaxHosts = 256
	targets, err := spec.Expand()
	require.NoError(t, err)
	assert.Len(t, targets, 256)
}

func TestExpandCIDR_IncludesAllAddresses(t *testing.T) {
	ips, err := expandCIDR("192.168.1.0/30", DefaultMaxScanHosts)
	require.NoError(t, err)

	// 包含網路位址與廣播位址
	require.Len(t, ips, 4)
	assert.Equal(t, "192.168.1.0", ips[0].String())
	assert.Equal(t, "192.168.1.3", ips[3].String())
}
