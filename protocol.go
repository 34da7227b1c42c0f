package main

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/goburrow/modbus"
)

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadCoils            = 0x01
	FuncCodeReadDiscreteInputs   = 0x02
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04

	// Modbus 異常碼
	ExceptionCodeIllegalFunction         = 0x01
	ExceptionCodeIllegalDataAddress      = 0x02
	ExceptionCodeIllegalDataValue        = 0x03
	ExceptionCodeSlaveDeviceFailure      = 0x04
	ExceptionCodeAcknowledge             = 0x05
	ExceptionCodeSlaveDeviceBusy         = 0x06
	ExceptionCodeMemoryParityError       = 0x08
	ExceptionCodeGatewayPathUnavailable  = 0x0A
	ExceptionCodeGatewayTargetNoResponse = 0x0B

	// Modbus TCP 常數
	ModbusTCPDefaultPort = 502

	// 讀取限制
	MaxBitsPerRead      = 2000
	MaxRegistersPerRead = 125

	// Unit ID 合法範圍
	MinUnitID = 1
	MaxUnitID = 247
)

// RegisterKind 讀取目標的資料種類
type RegisterKind int

const (
	KindCoil RegisterKind = iota
	KindDiscreteInput
	KindHoldingRegister
	KindInputRegister
)

func (k RegisterKind) String() string {
	switch k {
	case KindCoil:
		return "coils"
	case KindDiscreteInput:
		return "discrete"
	case KindHoldingRegister:
		return "holding"
	case KindInputRegister:
		return "input"
	default:
		return "unknown"
	}
}

// IsBit 回報該種類是否為 1-bit 資料 (線圈/離散輸入)
func (k RegisterKind) IsBit() bool {
	return k == KindCoil || k == KindDiscreteInput
}

// ParseRegisterKind 解析資料種類名稱
func ParseRegisterKind(s string) (RegisterKind, error) {
	switch s {
	case "coils", "coil":
		return KindCoil, nil
	case "discrete", "discrete_inputs":
		return KindDiscreteInput, nil
	case "holding", "holding_registers":
		return KindHoldingRegister, nil
	case "input", "input_registers":
		return KindInputRegister, nil
	default:
		return 0, fmt.Errorf("未知的資料種類: %s", s)
	}
}

// ErrorKind 錯誤分類
// 標記在單一目標或單一暫存器上，不會中止其他工作
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorUnreachable       // TCP 連線失敗或逾時
	ErrorProtocolRejected  // 設備回應 Modbus 異常碼
	ErrorDecodeUnavailable // 32-bit 解碼所需的相鄰暫存器缺失或錯誤
)

func (e ErrorKind) String() string {
	switch e {
	case ErrorNone:
		return ""
	case ErrorUnreachable:
		return "Unreachable"
	case ErrorProtocolRejected:
		return "ProtocolRejected"
	case ErrorDecodeUnavailable:
		return "DecodeUnavailable"
	default:
		return "Unknown"
	}
}

// InvalidRangeError 範圍規格錯誤
// 在任何網路活動開始前即拒絕整個請求
type InvalidRangeError struct {
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("無效的範圍規格: %s", e.Reason)
}

// invalidRangef 建立 InvalidRangeError
func invalidRangef(format string, args ...interface{}) *InvalidRangeError {
	return &InvalidRangeError{Reason: fmt.Sprintf(format, args...)}
}

// classifyReadError 將傳輸層錯誤歸類
// goburrow 的 *modbus.ModbusError 代表設備回應了異常碼，
// 其餘 (連線拒絕、逾時、重置) 一律視為不可達
func classifyReadError(err error) ErrorKind {
	if err == nil {
		return ErrorNone
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return ErrorProtocolRejected
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorUnreachable
	}

	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrorUnreachable
	}

	// 連線層的其餘錯誤 (refused / reset / EOF)
	return ErrorUnreachable
}

// exceptionCodeName 異常碼的中文名稱 (日誌用)
func exceptionCodeName(code uint8) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	case ExceptionCodeAcknowledge:
		return "確認"
	case ExceptionCodeSlaveDeviceBusy:
		return "從站設備忙碌"
	case ExceptionCodeGatewayPathUnavailable:
		return "閘道路徑不可用"
	case ExceptionCodeGatewayTargetNoResponse:
		return "閘道目標無回應"
	default:
		return "未知錯誤"
	}
}
