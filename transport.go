package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/goburrow/modbus"
)

// ScanTarget 單一掃描目標 (host, port, unit id)
// 由 AddressSpaceExpander 產生後不再變動
type ScanTarget struct {
	Host   net.IP
	Port   uint16
	UnitID uint8
}

// Addr 回傳 host:port 字串
func (t ScanTarget) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host.String(), t.Port)
}

func (t ScanTarget) String() string {
	return fmt.Sprintf("%s#%d", t.Addr(), t.UnitID)
}

// ReadPlan 一次讀取的幾何描述
type ReadPlan struct {
	Kind         RegisterKind
	StartAddress uint16
	Count        uint16
	Individual   bool // 逐一讀取：單一位址失敗不影響其他位址
}

// Validate 驗證讀取計畫是否符合協議限制
func (p ReadPlan) Validate() error {
	if p.Count == 0 {
		return invalidRangef("讀取數量必須大於 0")
	}
	if p.Kind.IsBit() {
		if p.Count > MaxBitsPerRead {
			return invalidRangef("位元數量超過上限 %d: %d", MaxBitsPerRead, p.Count)
		}
	} else {
		if p.Count > MaxRegistersPerRead {
			return invalidRangef("暫存器數量超過上限 %d: %d", MaxRegistersPerRead, p.Count)
		}
	}
	if int(p.StartAddress)+int(p.Count) > 65536 {
		return invalidRangef("讀取範圍超出位址空間: %d + %d", p.StartAddress, p.Count)
	}
	return nil
}

// TransportClient Modbus TCP 傳輸能力
// 任何相容的 Modbus TCP 客戶端皆可實作；測試使用替身
type TransportClient interface {
	// Connect 建立 TCP 連線
	Connect() error

	// ReadCoils 讀取線圈 (FC 01)
	ReadCoils(address, quantity uint16) ([]bool, error)

	// ReadDiscreteInputs 讀取離散輸入 (FC 02)
	ReadDiscreteInputs(address, quantity uint16) ([]bool, error)

	// ReadHoldingRegisters 讀取保持暫存器 (FC 03)
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)

	// ReadInputRegisters 讀取輸入暫存器 (FC 04)
	ReadInputRegisters(address, quantity uint16) ([]uint16, error)

	// Close 關閉連線 (所有退出路徑都必須呼叫)
	Close() error
}

// TransportFactory 依目標與逾時建立傳輸客戶端
// ScanEngine 與 PollScheduler 透過工廠取得連線，每個持有者獨佔一條
type TransportFactory func(target ScanTarget, timeout time.Duration) TransportClient

// tcpTransport 以 goburrow/modbus 實作 TransportClient
type tcpTransport struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// NewTCPTransport 建立 Modbus TCP 傳輸客戶端 (尚未連線)
func NewTCPTransport(target ScanTarget, timeout time.Duration) TransportClient {
	handler := modbus.NewTCPClientHandler(target.Addr())
	handler.Timeout = timeout
	handler.SlaveId = target.UnitID

	return &tcpTransport{
		handler: handler,
		client:  modbus.NewClient(handler),
	}
}

func (t *tcpTransport) Connect() error {
	return t.handler.Connect()
}

func (t *tcpTransport) Close() error {
	return t.handler.Close()
}

func (t *tcpTransport) ReadCoils(address, quantity uint16) ([]bool, error) {
	data, err := t.client.ReadCoils(address, quantity)
	if err != nil {
		return nil, err
	}
	return BytesToBits(data, int(quantity)), nil
}

func (t *tcpTransport) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	data, err := t.client.ReadDiscreteInputs(address, quantity)
	if err != nil {
		return nil, err
	}
	return BytesToBits(data, int(quantity)), nil
}

func (t *tcpTransport) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	data, err := t.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	return BytesToRegisters(data), nil
}

func (t *tcpTransport) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	data, err := t.client.ReadInputRegisters(address, quantity)
	if err != nil {
		return nil, err
	}
	return BytesToRegisters(data), nil
}

// BytesToRegisters 將位元組陣列轉換為暫存器值 (Big Endian)
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// RegistersToBytes 將暫存器值轉換為位元組陣列 (Big Endian)
func RegistersToBytes(registers []uint16) []byte {
	bytes := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(bytes[i*2:], reg)
	}
	return bytes
}

// BytesToBits 將打包的位元組轉換為線圈/離散輸入值
// Modbus 線圈回應為 LSB 優先打包
func BytesToBits(data []byte, count int) []bool {
	bits := make([]bool, count)
	for i := 0; i < count; i++ {
		if i/8 >= len(data) {
			break
		}
		bits[i] = (data[i/8] & (1 << (i % 8))) != 0
	}
	return bits
}
