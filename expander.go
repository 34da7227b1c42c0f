package main

import (
	"net"
)

// DefaultMaxScanHosts 預設的主機數量上限
// 防止誤掃 /8 之類的巨大網段
const DefaultMaxScanHosts = 1024

// TargetSpec 掃描位址空間規格：單一主機或 CIDR 網段，搭配 unit id 範圍
type TargetSpec struct {
	Host      string // 單一 IP (與 CIDR 擇一)
	CIDR      string // CIDR 網段
	Port      uint16
	UnitIDLo  uint8
	UnitIDHi  uint8
	MaxHosts  int // 0 表示使用 DefaultMaxScanHosts
}

// Expand 展開為掃描目標序列
// 順序固定：主機依位址遞增，每台主機內 unit id 遞增；
// 重複呼叫產生相同序列
func (s TargetSpec) Expand() ([]ScanTarget, error) {
	if s.UnitIDLo < MinUnitID || s.UnitIDHi > MaxUnitID {
		return nil, invalidRangef("unit id 必須介於 %d-%d: %d-%d", MinUnitID, MaxUnitID, s.UnitIDLo, s.UnitIDHi)
	}
	if s.UnitIDLo > s.UnitIDHi {
		return nil, invalidRangef("unit id 範圍顛倒: %d > %d", s.UnitIDLo, s.UnitIDHi)
	}

	port := s.Port
	if port == 0 {
		port = ModbusTCPDefaultPort
	}

	maxHosts := s.MaxHosts
	if maxHosts <= 0 {
		maxHosts = DefaultMaxScanHosts
	}

	hosts, err := s.expandHosts(maxHosts)
	if err != nil {
		return nil, err
	}

	targets := make([]ScanTarget, 0, len(hosts)*int(s.UnitIDHi-s.UnitIDLo+1))
	for _, host := range hosts {
		for unit := int(s.UnitIDLo); unit <= int(s.UnitIDHi); unit++ {
			targets = append(targets, ScanTarget{
				Host:   host,
				Port:   port,
				UnitID: uint8(unit),
			})
		}
	}

	return targets, nil
}

// expandHosts 展開主機列表
func (s TargetSpec) expandHosts(maxHosts int) ([]net.IP, error) {
	if s.CIDR != "" {
		return expandCIDR(s.CIDR, maxHosts)
	}

	ip := net.ParseIP(s.Host)
	if ip == nil {
		return nil, invalidRangef("無效的 IP: %s", s.Host)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return []net.IP{ip}, nil
}

// expandCIDR 展開 CIDR 網段為主機列表
// 網段內所有位址都是候選目標 (包含網路位址和廣播位址，
// 嵌入式設備常配置在這些位址上)
func expandCIDR(cidr string, maxHosts int) ([]net.IP, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, invalidRangef("無效的 CIDR: %s", cidr)
	}

	// 先以前綴長度估算主機數，超限時不做任何展開
	ones, bits := ipNet.Mask.Size()
	if bits-ones > 30 {
		return nil, invalidRangef("CIDR 網段過大: %s", cidr)
	}
	total := 1 << (bits - ones)
	if total > maxHosts {
		return nil, invalidRangef("CIDR 主機數 %d 超過上限 %d: %s", total, maxHosts, cidr)
	}

	var ips []net.IP
	for ip := ip.Mask(ipNet.Mask); ipNet.Contains(ip); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}

	return ips, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
