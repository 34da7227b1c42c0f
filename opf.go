package main

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// KEPServerEX .opf 專案檔匯入
// .opf 為二進位格式，從中抽取可列印字串後以樣式比對取出
// 連線資訊 (IP / unit id)、暫存器位址與標籤名稱

// OPFTag 標籤對應：名稱 → 暫存器位址 (與選用的位元編號)
type OPFTag struct {
	Name        string
	Description string
	Address     uint16
	Bit         int // -1 表示整個暫存器
}

// OPFConfig .opf 檔解析結果
type OPFConfig struct {
	IP     string
	Port   uint16
	UnitID uint8

	Registers  []uint16 // 唯一位址，遞增排序
	MinAddress uint16
	MaxAddress uint16
	ScanCount  uint16 // min 到 max 的連續讀取數量

	Tags []OPFTag
}

var (
	opfIPRe       = regexp.MustCompile(`<(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})>`)
	opfUnitRe     = regexp.MustCompile(`<\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}>\.(\d+)`)
	opfRegisterRe = regexp.MustCompile(`4(\d{4})(?:\.(\d+))?`)
	opfRegToken   = regexp.MustCompile(`^4(\d{4})(?:\.(\d+))?$`)
	opfTagNameRe  = regexp.MustCompile(`^[\d_\-a-zA-Z][\w\s\-]*$`)

	// 非標籤的已知樣式
	opfSkipRes = []*regexp.Regexp{
		regexp.MustCompile(`^Rack \d+ - Slot \d+ - \d+$`),
		regexp.MustCompile(`^\*\.txt$`),
		regexp.MustCompile(`^V\d+\.\d+`),
	}
)

// ParseOPFFile 解析 .opf 檔案
func ParseOPFFile(path string) (*OPFConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取 .opf 檔失敗: %w", err)
	}
	return ParseOPF(data)
}

// ParseOPF 解析 .opf 二進位內容
func ParseOPF(data []byte) (*OPFConfig, error) {
	strs := extractStrings(data, 4)
	if len(strs) == 0 {
		return nil, fmt.Errorf("檔案中找不到可解析的內容")
	}

	cfg := &OPFConfig{
		Port:   ModbusTCPDefaultPort,
		UnitID: 1,
	}

	// 連線資訊：<ip> 與 <ip>.unit
	for _, s := range strs {
		if cfg.IP == "" {
			if m := opfIPRe.FindStringSubmatch(s); m != nil && validIPv4Octets(m[1]) {
				cfg.IP = m[1]
			}
		}
		if m := opfUnitRe.FindStringSubmatch(s); m != nil {
			if unit, err := strconv.Atoi(m[1]); err == nil && unit >= MinUnitID && unit <= MaxUnitID {
				cfg.UnitID = uint8(unit)
			}
		}
	}

	// 暫存器位址：4xxxx 或 4xxxx.bit
	seen := make(map[uint16]bool)
	for _, s := range strs {
		for _, m := range opfRegisterRe.FindAllStringSubmatch(s, -1) {
			addr, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			if !seen[uint16(addr)] {
				seen[uint16(addr)] = true
				cfg.Registers = append(cfg.Registers, uint16(addr))
			}
		}
	}
	sort.Slice(cfg.Registers, func(i, j int) bool { return cfg.Registers[i] < cfg.Registers[j] })

	if len(cfg.Registers) > 0 {
		cfg.MinAddress = cfg.Registers[0]
		cfg.MaxAddress = cfg.Registers[len(cfg.Registers)-1]
		cfg.ScanCount = cfg.MaxAddress - cfg.MinAddress + 1
	}

	cfg.Tags = findTags(strs)

	return cfg, nil
}

// TagMap 轉換為彙整器使用的標籤對應
func (c *OPFConfig) TagMap() map[TagKey]string {
	tags := make(map[TagKey]string, len(c.Tags))
	for _, t := range c.Tags {
		tags[TagKey{Address: uint32(t.Address), Bit: t.Bit}] = t.Name
	}
	return tags
}

// extractStrings 從二進位資料抽取可列印 ASCII 字串 (長度 >= minLen)
func extractStrings(data []byte, minLen int) []string {
	var strs []string
	start := -1

	for i, b := range data {
		printable := b >= 0x20 && b <= 0x7E
		if printable && start < 0 {
			start = i
		}
		if !printable && start >= 0 {
			if i-start >= minLen {
				strs = append(strs, string(data[start:i]))
			}
			start = -1
		}
	}
	if start >= 0 && len(data)-start >= minLen {
		strs = append(strs, string(data[start:]))
	}

	return strs
}

// findTags 比對「標籤名稱後接暫存器位址」的字串序列
// KEPServerEX 專案檔中標籤名稱、描述與位址通常相鄰出現
func findTags(strs []string) []OPFTag {
	var tags []OPFTag

scan:
	for i, s := range strs {
		for _, skip := range opfSkipRes {
			if skip.MatchString(s) {
				continue scan
			}
		}
		if len(s) <= 3 || !opfTagNameRe.MatchString(s) {
			continue
		}
		// 位址字串本身不是標籤名稱
		if opfRegToken.MatchString(s) {
			continue
		}

		// 在後續 3 個字串內尋找暫存器位址
		for j := 1; j < 4 && i+j < len(strs); j++ {
			m := opfRegToken.FindStringSubmatch(strs[i+j])
			if m == nil {
				continue
			}

			addr, err := strconv.Atoi(m[1])
			if err != nil {
				break
			}
			bit := -1
			if m[2] != "" {
				if b, err := strconv.Atoi(m[2]); err == nil {
					bit = b
				}
			}

			tag := OPFTag{Name: s, Address: uint16(addr), Bit: bit}

			// 名稱與位址之間若隔了一個非位址字串，視為描述
			if j == 2 && !opfRegToken.MatchString(strs[i+1]) {
				tag.Description = strs[i+1]
			}

			tags = append(tags, tag)
			break
		}
	}

	return tags
}

// validIPv4Octets 驗證每個八位元組落在 0-255
func validIPv4Octets(ip string) bool {
	for _, o := range strings.Split(ip, ".") {
		n, err := strconv.Atoi(o)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}
