package main

import (
	"fmt"
	"math"
	"strconv"
)

// DecodeOptions 解碼選項，單次讀取/輪詢會話內不變
type DecodeOptions struct {
	ReverseByteOrder bool // 每個 16-bit 字先交換高低位元組
	ReverseWordOrder bool // 32-bit 配對時交換字順序
	ZeroBased        bool // 顯示位址從 0 起算 (否則 +1)
}

// RawValue 傳輸層回傳的單一位置原始值
// 逐一讀取模式下，失敗的位置以 Err 標記而非數值
type RawValue struct {
	Word uint16
	Bit  bool
	Err  ErrorKind
}

// WordsToRaw 包裝暫存器讀取結果
func WordsToRaw(words []uint16) []RawValue {
	raw := make([]RawValue, len(words))
	for i, w := range words {
		raw[i] = RawValue{Word: w}
	}
	return raw
}

// BitsToRaw 包裝線圈/離散輸入讀取結果
func BitsToRaw(bits []bool) []RawValue {
	raw := make([]RawValue, len(bits))
	for i, b := range bits {
		raw[i] = RawValue{Bit: b}
	}
	return raw
}

// ErroredRaw 產生整段失敗的原始序列 (批次讀取失敗時整個範圍共用同一錯誤)
func ErroredRaw(kind ErrorKind, count int) []RawValue {
	raw := make([]RawValue, count)
	for i := range raw {
		raw[i] = RawValue{Err: kind}
	}
	return raw
}

// DecodedRegister 單一暫存器的八種解讀
// 32-bit 欄位需要與下一個暫存器配對；配對對象缺失或錯誤時欄位為 nil
type DecodedRegister struct {
	Address uint32 // 顯示位址 (已套用定址基準；1-based 時最大為 65536)
	Raw     uint16 // byte-swap 後的原始字；位元讀取時為 0/1
	IsBit   bool

	Hex     string
	Binary  string
	Uint16  *uint16
	Int16   *int16
	Uint32  *uint32
	Int32   *int32
	Float32 *float32
	Str     string

	Err ErrorKind // 整列錯誤；非 ErrorNone 時其餘欄位皆缺
}

// Bit 取出第 i 個位元 (0-15)
func (d DecodedRegister) Bit(i int) uint8 {
	return uint8(d.Raw>>uint(i)) & 1
}

// Decode 將原始序列解碼為八種數值解讀
// 純函式：決定性、無 I/O
func Decode(raw []RawValue, plan ReadPlan, opts DecodeOptions) []DecodedRegister {
	out := make([]DecodedRegister, len(raw))

	// 先做 byte-swap，後續所有解讀都使用交換後的字
	words := make([]uint16, len(raw))
	for i, r := range raw {
		w := r.Word
		if opts.ReverseByteOrder {
			w = (w&0xFF)<<8 | (w>>8)&0xFF
		}
		words[i] = w
	}

	// 整段回應的 ASCII 字串：依位址順序串接每個字的高低位元組，
	// 不可列印的位元組以 '.' 佔位
	var asciiAll string
	if !plan.Kind.IsBit() {
		buf := make([]byte, 0, len(raw)*2)
		for i, r := range raw {
			if r.Err != ErrorNone {
				buf = append(buf, '.', '.')
				continue
			}
			buf = append(buf, printableByte(byte(words[i]>>8)), printableByte(byte(words[i])))
		}
		asciiAll = string(buf)
	}

	for i, r := range raw {
		addr := displayAddress(plan.StartAddress, i, opts.ZeroBased)

		if r.Err != ErrorNone {
			out[i] = DecodedRegister{Address: addr, IsBit: plan.Kind.IsBit(), Err: r.Err}
			continue
		}

		if plan.Kind.IsBit() {
			out[i] = decodeBit(addr, r.Bit)
			continue
		}

		w := words[i]
		d := DecodedRegister{
			Address: addr,
			Raw:     w,
			Hex:     fmt.Sprintf("0x%04X", w),
			Binary:  fmt.Sprintf("%016b", w),
			Str:     asciiAll,
		}

		u16 := w
		i16 := int16(w)
		d.Uint16 = &u16
		d.Int16 = &i16

		// 32-bit 解讀需要下一個暫存器；範圍尾端或鄰居錯誤時保持缺值
		if i+1 < len(raw) && raw[i+1].Err == ErrorNone {
			hi, lo := w, words[i+1]
			if opts.ReverseWordOrder {
				hi, lo = lo, hi
			}
			u32 := uint32(hi)<<16 | uint32(lo)
			i32 := int32(u32)
			f32 := math.Float32frombits(u32)
			d.Uint32 = &u32
			d.Int32 = &i32
			d.Float32 = &f32
		}

		out[i] = d
	}

	return out
}

// decodeBit 位元資料只有 hex/uint16/int16 (0 或 1) 與字串有意義
func decodeBit(addr uint32, bit bool) DecodedRegister {
	var v uint16
	if bit {
		v = 1
	}
	i16 := int16(v)
	u16 := v
	return DecodedRegister{
		Address: addr,
		Raw:     v,
		IsBit:   true,
		Hex:     strconv.Itoa(int(v)),
		Uint16:  &u16,
		Int16:   &i16,
		Str:     strconv.Itoa(int(v)),
	}
}

// displayAddress 套用定址基準：0-based 直接顯示，1-based 加一
// 以 32-bit 計算，線上位址 65535 的 1-based 顯示位址為 65536 而非回繞到 0
func displayAddress(start uint16, offset int, zeroBased bool) uint32 {
	addr := uint32(start) + uint32(offset)
	if !zeroBased {
		addr++
	}
	return addr
}

// printableByte 可列印 ASCII 原樣保留，其餘以 '.' 佔位
func printableByte(b byte) byte {
	if b >= 32 && b <= 126 {
		return b
	}
	return '.'
}
