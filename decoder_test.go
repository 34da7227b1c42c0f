package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holdingPlan(start, count uint16) ReadPlan {
	return ReadPlan{Kind: KindHoldingRegister, StartAddress: start, Count: count}
}

func TestDecode_BasicInterpretations(t *testing.T) {
	// 0x4120 0x0000 = float32 10.0
	raw := WordsToRaw([]uint16{0x4120, 0x0000})
	rows := Decode(raw, holdingPlan(0, 2), DecodeOptions{})
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, uint32(1), first.Address, "預設 1-based 顯示位址")
	assert.Equal(t, "0x4120", first.Hex)
	assert.Equal(t, "0100000100100000", first.Binary)

	require.NotNil(t, first.Uint16)
	assert.Equal(t, uint16(0x4120), *first.Uint16)
	require.NotNil(t, first.Int16)
	assert.Equal(t, int16(0x4120), *first.Int16)

	require.NotNil(t, first.Uint32)
	assert.Equal(t, uint32(0x41200000), *first.Uint32)
	require.NotNil(t, first.Float32)
	assert.InDelta(t, 10.0, *first.Float32, 0.0001)

	// 範圍尾端沒有配對對象，32-bit 解讀缺值
	last := rows[1]
	assert.Nil(t, last.Uint32)
	assert.Nil(t, last.Int32)
	assert.Nil(t, last.Float32)
}

func TestDecode_NegativeInt16(t *testing.T) {
	rows := Decode(WordsToRaw([]uint16{0xFFFF}), holdingPlan(0, 1), DecodeOptions{})
	require.Len(t, rows, 1)

	require.NotNil(t, rows[0].Int16)
	assert.Equal(t, int16(-1), *rows[0].Int16)
	require.NotNil(t, rows[0].Uint16)
	assert.Equal(t, uint16(65535), *rows[0].Uint16)
}

func TestDecode_ReverseByteOrder(t *testing.T) {
	// 0x2041 位元組交換後為 0x4120
	rows := Decode(WordsToRaw([]uint16{0x2041, 0x0000}), holdingPlan(0, 2),
		DecodeOptions{ReverseByteOrder: true})

	assert.Equal(t, "0x4120", rows[0].Hex)
	require.NotNil(t, rows[0].Float32)
	assert.InDelta(t, 10.0, *rows[0].Float32, 0.0001)
}

func TestDecode_ByteSwapSelfInverse(t *testing.T) {
	original := []uint16{0x1234, 0xABCD, 0x00FF}

	once := Decode(WordsToRaw(original), holdingPlan(0, 3), DecodeOptions{ReverseByteOrder: true})
	swapped := make([]uint16, len(once))
	for i, row := range once {
		swapped[i] = row.Raw
	}

	twice := Decode(WordsToRaw(swapped), holdingPlan(0, 3), DecodeOptions{ReverseByteOrder: true})
	for i, row := range twice {
		assert.Equal(t, original[i], row.Raw, "交換兩次應還原")
	}
}

func TestDecode_ReverseWordOrder(t *testing.T) {
	// 低字在前：0x0000 0x4120，交換字順序後仍為 10.0
	rows := Decode(WordsToRaw([]uint16{0x0000, 0x4120}), holdingPlan(0, 2),
		DecodeOptions{ReverseWordOrder: true})

	require.NotNil(t, rows[0].Float32)
	assert.InDelta(t, 10.0, *rows[0].Float32, 0.0001)
	require.NotNil(t, rows[0].Uint32)
	assert.Equal(t, uint32(0x41200000), *rows[0].Uint32)
}

func TestDecode_ZeroBasedAddressing(t *testing.T) {
	raw := WordsToRaw([]uint16{1, 2, 3})

	zeroBased := Decode(raw, holdingPlan(100, 3), DecodeOptions{ZeroBased: true})
	oneBased := Decode(raw, holdingPlan(100, 3), DecodeOptions{})

	assert.Equal(t, uint32(100), zeroBased[0].Address)
	assert.Equal(t, uint32(102), zeroBased[2].Address)
	assert.Equal(t, uint32(101), oneBased[0].Address)
	assert.Equal(t, uint32(103), oneBased[2].Address)
}

func TestDecode_AsciiString(t *testing.T) {
	// "MODS" = 0x4D4F 0x4453；0x0001 的兩個位元組不可列印
	rows := Decode(WordsToRaw([]uint16{0x4D4F, 0x4453, 0x0001}), holdingPlan(0, 3), DecodeOptions{})

	// 整段回應的字串在每一列上相同
	for _, row := range rows {
		assert.Equal(t, "MODS..", row.Str)
	}
}

func TestDecode_ErroredPosition(t *testing.T) {
	// 逐一讀取模式：位置 1 失敗，其餘正常
	raw := []RawValue{
		{Word: 0x0010},
		{Err: ErrorProtocolRejected},
		{Word: 0x0030},
	}
	rows := Decode(raw, holdingPlan(0, 3), DecodeOptions{})
	require.Len(t, rows, 3)

	bad := rows[1]
	assert.Equal(t, ErrorProtocolRejected, bad.Err)
	assert.Equal(t, uint32(2), bad.Address)
	assert.Nil(t, bad.Uint16)
	assert.Nil(t, bad.Float32)
	assert.Empty(t, bad.Hex)

	// 錯誤位置在整段字串中以 ".." 佔位
	assert.Equal(t, ".....0", rows[0].Str)

	// 鄰居錯誤時 32-bit 解讀同樣缺值
	assert.Nil(t, rows[0].Uint32)
	// 位置 2 是尾端
	assert.Nil(t, rows[2].Uint32)
}

func TestDecode_WholeRangeErrored(t *testing.T) {
	rows := Decode(ErroredRaw(ErrorUnreachable, 4), holdingPlan(0, 4), DecodeOptions{})
	require.Len(t, rows, 4)

	for _, row := range rows {
		assert.Equal(t, ErrorUnreachable, row.Err)
		assert.Nil(t, row.Uint16)
		assert.Empty(t, row.Str)
	}
}

func TestDecode_Bits(t *testing.T) {
	plan := ReadPlan{Kind: KindCoil, StartAddress: 0, Count: 3}
	rows := Decode(BitsToRaw([]bool{true, false, true}), plan, DecodeOptions{})
	require.Len(t, rows, 3)

	on := rows[0]
	assert.True(t, on.IsBit)
	assert.Equal(t, "1", on.Hex)
	assert.Equal(t, "1", on.Str)
	require.NotNil(t, on.Uint16)
	assert.Equal(t, uint16(1), *on.Uint16)
	assert.Nil(t, on.Uint32, "位元資料沒有 32-bit 解讀")
	assert.Nil(t, on.Float32)

	off := rows[1]
	assert.Equal(t, "0", off.Hex)
	require.NotNil(t, off.Uint16)
	assert.Equal(t, uint16(0), *off.Uint16)
}

func TestDecodedRegister_Bit(t *testing.T) {
	rows := Decode(WordsToRaw([]uint16{0x8001}), holdingPlan(0, 1), DecodeOptions{})
	require.Len(t, rows, 1)

	assert.Equal(t, uint8(1), rows[0].Bit(0))
	assert.Equal(t, uint8(0), rows[0].Bit(1))
	assert.Equal(t, uint8(1), rows[0].Bit(15))
}

func TestDecode_Deterministic(t *testing.T) {
	// 輸入選擇不會在任一交換組合下組成 NaN 的 float32 配對，
	// NaN 與自身不相等，會讓整個結構比較失真
	raw := WordsToRaw([]uint16{0x1234, 0x5678, 0x3F80})
	plan := holdingPlan(10, 3)
	opts := DecodeOptions{ReverseByteOrder: true, ReverseWordOrder: true}

	a := Decode(raw, plan, opts)
	b := Decode(raw, plan, opts)
	assert.Equal(t, a, b, "相同輸入必須產生相同輸出")

	for i := range a {
		if a[i].Float32 != nil {
			assert.False(t, math.IsNaN(float64(*a[i].Float32)))
		}
	}
}

func TestDecode_DisplayAddressTopOfRange(t *testing.T) {
	raw := WordsToRaw([]uint16{0x0001, 0x0002})

	// 1-based 顯示位址在位址空間頂端不可回繞到 0
	oneBased := Decode(raw, holdingPlan(65534, 2), DecodeOptions{})
	require.Len(t, oneBased, 2)
	assert.Equal(t, uint32(65535), oneBased[0].Address)
	assert.Equal(t, uint32(65536), oneBased[1].Address)

	zeroBased := Decode(raw, holdingPlan(65534, 2), DecodeOptions{ZeroBased: true})
	assert.Equal(t, uint32(65534), zeroBased[0].Address)
	assert.Equal(t, uint32(65535), zeroBased[1].Address)
}

func BenchmarkDecode(b *testing.B) {
	words := make([]uint16, MaxRegistersPerRead)
	for i := range words {
		words[i] = uint16(i * 257)
	}
	raw := WordsToRaw(words)
	plan := holdingPlan(0, MaxRegistersPerRead)
	opts := DecodeOptions{ReverseByteOrder: true}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Decode(raw, plan, opts)
	}
}
