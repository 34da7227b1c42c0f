package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// csvHeader 匯出格式固定欄位
var csvHeader = []string{
	"Timestamp", "Address", "Hex", "Uint16", "Int16",
	"Uint32", "Int32", "Float32", "String", "Error",
}

// csvTimeLayout 匯出時間格式
const csvTimeLayout = "2006-01-02 15:04:05"

// TagKey 標籤對應鍵：顯示位址 + 選用的位元編號
type TagKey struct {
	Address uint32
	Bit     int // -1 表示整個暫存器
}

// ResultAggregator 結果彙整器
// 掃描 worker 與輪詢會話可能同時推送，所有更新都序列化；
// 讀取方永遠看到一致的快照，不會觀察到半更新的列
type ResultAggregator struct {
	mu sync.RWMutex

	outcomes []ScanOutcome // 依抵達順序
	snapshot Snapshot      // 僅保留最新一份
	hasSnap  bool
	tags     map[TagKey]string
}

// NewResultAggregator 建立彙整器
func NewResultAggregator() *ResultAggregator {
	return &ResultAggregator{
		tags: make(map[TagKey]string),
	}
}

// PushOutcome 推送一筆掃描結果 (抵達順序保存，不遺失)
func (a *ResultAggregator) PushOutcome(o ScanOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
}

// PushSnapshot 推送一份讀取快照，取代前一份
func (a *ResultAggregator) PushSnapshot(s Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snapshot = s
	a.hasSnap = true
}

// SetTags 設定標籤對應 (匯入 .opf 後使用)
func (a *ResultAggregator) SetTags(tags map[TagKey]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tags = make(map[TagKey]string, len(tags))
	for k, v := range tags {
		a.tags[k] = v
	}
}

// TagFor 查詢位址 (與選用位元) 的標籤名稱
func (a *ResultAggregator) TagFor(address uint32, bit int) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tags[TagKey{Address: address, Bit: bit}]
}

// Outcomes 取得掃描結果副本 (抵達順序)
func (a *ResultAggregator) Outcomes() []ScanOutcome {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ScanOutcome, len(a.outcomes))
	copy(out, a.outcomes)
	return out
}

// SortedOutcomes 取得依 (host, unit id) 排序的掃描結果視圖
// 排序不影響底層資料
func (a *ResultAggregator) SortedOutcomes() []ScanOutcome {
	out := a.Outcomes()
	sort.SliceStable(out, func(i, j int) bool {
		// 比較原始位元組而非字串，避免字典序錯排
		if c := compareIP(out[i].Target.Host, out[j].Target.Host); c != 0 {
			return c < 0
		}
		return out[i].Target.UnitID < out[j].Target.UnitID
	})
	return out
}

func compareIP(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Snapshot 取得最新快照的副本
func (a *ResultAggregator) Snapshot() (Snapshot, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.hasSnap {
		return Snapshot{}, false
	}
	snap := a.snapshot
	snap.Registers = make([]DecodedRegister, len(a.snapshot.Registers))
	copy(snap.Registers, a.snapshot.Registers)
	return snap, true
}

// Rows 取得最新快照的列 (副本)
func (a *ResultAggregator) Rows() []DecodedRegister {
	snap, ok := a.Snapshot()
	if !ok {
		return nil
	}
	return snap.Registers
}

// FilterRows 依欄位與子字串過濾最新快照的列
// column 為空字串時比對所有欄位；過濾只影響回傳的視圖，不改動底層資料
func (a *ResultAggregator) FilterRows(column, substr string) []DecodedRegister {
	rows := a.Rows()
	if substr == "" {
		return rows
	}

	needle := strings.ToLower(substr)
	var filtered []DecodedRegister
	for _, row := range rows {
		if a.rowMatches(row, column, needle) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

// rowMatches 檢查單列是否符合過濾條件
func (a *ResultAggregator) rowMatches(row DecodedRegister, column, needle string) bool {
	fields := map[string]string{
		"address": strconv.Itoa(int(row.Address)),
		"tag":     a.TagFor(row.Address, -1),
		"hex":     row.Hex,
		"binary":  row.Binary,
		"uint16":  uint16String(row.Uint16),
		"int16":   int16String(row.Int16),
		"uint32":  uint32String(row.Uint32),
		"int32":   int32String(row.Int32),
		"float32": float32String(row.Float32),
		"string":  row.Str,
		"error":   row.Err.String(),
	}

	if column != "" {
		return strings.Contains(strings.ToLower(fields[strings.ToLower(column)]), needle)
	}
	for _, v := range fields {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}

// ExportCSV 匯出最新快照為 CSV
// 缺值欄位輸出空字串；includeBits 時每個暫存器額外展開 16 個位元列
func (a *ResultAggregator) ExportCSV(w io.Writer, includeBits bool) error {
	snap, ok := a.Snapshot()
	if !ok {
		return fmt.Errorf("沒有可匯出的結果")
	}
	return WriteSnapshotCSV(w, snap, includeBits)
}

// WriteSnapshotCSV 將快照寫為 CSV (ResultAggregator 與 CLI 共用)
func WriteSnapshotCSV(w io.Writer, snap Snapshot, includeBits bool) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}

	ts := snap.At.Format(csvTimeLayout)
	for _, row := range snap.Registers {
		record := []string{
			ts,
			strconv.Itoa(int(row.Address)),
			row.Hex,
			uint16String(row.Uint16),
			int16String(row.Int16),
			uint32String(row.Uint32),
			int32String(row.Int32),
			float32String(row.Float32),
			row.Str,
			row.Err.String(),
		}
		if err := cw.Write(record); err != nil {
			return err
		}

		if includeBits && !row.IsBit && row.Err == ErrorNone {
			for bit := 0; bit < 16; bit++ {
				// 位元編號跟隨顯示位址的基準：1-based 定址時位元也從 1 起算
				label := bit
				if !snap.ZeroBased {
					label = bit + 1
				}
				bitRecord := []string{
					ts,
					fmt.Sprintf("%d.%d", row.Address, label),
					strconv.Itoa(int(row.Bit(bit))),
					"", "", "", "", "", "", "",
				}
				if err := cw.Write(bitRecord); err != nil {
					return err
				}
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// 缺值 (nil) 一律輸出空字串
func uint16String(v *uint16) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func int16String(v *int16) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func uint32String(v *uint32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v), 10)
}

func int32String(v *int32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(int64(*v), 10)
}

func float32String(v *float32) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(float64(*v), 'f', 6, 32)
}
