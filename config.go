package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config 全域配置
type Config struct {
	Target  TargetConfig  `json:"target" mapstructure:"target"`
	Scan    ScanConfig    `json:"scan" mapstructure:"scan"`
	Read    ReadConfig    `json:"read" mapstructure:"read"`
	Decode  DecodeConfig  `json:"decode" mapstructure:"decode"`
	Poll    PollConfig    `json:"poll" mapstructure:"poll"`
	Serve   ServeConfig   `json:"serve" mapstructure:"serve"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
}

// TargetConfig 目標裝置配置
type TargetConfig struct {
	Host        string `json:"host" mapstructure:"host"`
	CIDR        string `json:"cidr" mapstructure:"cidr"`
	Port        int    `json:"port" mapstructure:"port"`
	UnitIDStart int    `json:"unit_id_start" mapstructure:"unit_id_start"`
	UnitIDEnd   int    `json:"unit_id_end" mapstructure:"unit_id_end"`
}

// ScanConfig 掃描配置
type ScanConfig struct {
	Concurrency int           `json:"concurrency" mapstructure:"concurrency"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
	VerifyRead  bool          `json:"verify_read" mapstructure:"verify_read"`
	MaxHosts    int           `json:"max_hosts" mapstructure:"max_hosts"`
}

// ReadConfig 讀取配置
type ReadConfig struct {
	Kind         string `json:"kind" mapstructure:"kind"`
	StartAddress int    `json:"start_address" mapstructure:"start_address"`
	Count        int    `json:"count" mapstructure:"count"`
	Individual   bool   `json:"individual" mapstructure:"individual"`
}

// DecodeConfig 解碼配置
type DecodeConfig struct {
	ReverseByteOrder bool `json:"reverse_byte_order" mapstructure:"reverse_byte_order"`
	ReverseWordOrder bool `json:"reverse_word_order" mapstructure:"reverse_word_order"`
	ZeroBased        bool `json:"zero_based" mapstructure:"zero_based"`
}

// PollConfig 輪詢配置
type PollConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// ServeConfig 模擬裝置配置
type ServeConfig struct {
	Listen  string `json:"listen" mapstructure:"listen"`
	Port    int    `json:"port" mapstructure:"port"`
	UnitID  int    `json:"unit_id" mapstructure:"unit_id"`
	Profile string `json:"profile" mapstructure:"profile"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Port:        ModbusTCPDefaultPort,
			UnitIDStart: 1,
			UnitIDEnd:   1,
		},
		Scan: ScanConfig{
			Concurrency: 16,
			Timeout:     2 * time.Second,
			VerifyRead:  true,
			MaxHosts:    DefaultMaxScanHosts,
		},
		Read: ReadConfig{
			Kind:         "holding",
			StartAddress: 0,
			Count:        10,
			Individual:   false,
		},
		Decode: DecodeConfig{
			ReverseByteOrder: false,
			ReverseWordOrder: false,
			ZeroBased:        false,
		},
		Poll: PollConfig{
			Interval: 1 * time.Second,
		},
		Serve: ServeConfig{
			Listen:  "0.0.0.0",
			Port:    ModbusTCPDefaultPort,
			UnitID:  1,
			Profile: "static",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/modscan/")
		viper.AddConfigPath("$HOME/.modscan/")
	}

	// 環境變數覆蓋
	viper.SetEnvPrefix("MODSCAN")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if c.Target.Port < 1 || c.Target.Port > 65535 {
		return fmt.Errorf("無效的埠號: %d", c.Target.Port)
	}

	if c.Target.UnitIDStart < MinUnitID || c.Target.UnitIDStart > MaxUnitID {
		return fmt.Errorf("無效的起始 Unit ID: %d (有效範圍 %d-%d)", c.Target.UnitIDStart, MinUnitID, MaxUnitID)
	}
	if c.Target.UnitIDEnd < MinUnitID || c.Target.UnitIDEnd > MaxUnitID {
		return fmt.Errorf("無效的結束 Unit ID: %d (有效範圍 %d-%d)", c.Target.UnitIDEnd, MinUnitID, MaxUnitID)
	}
	if c.Target.UnitIDStart > c.Target.UnitIDEnd {
		return fmt.Errorf("起始 Unit ID 不可大於結束 Unit ID")
	}

	if c.Target.Host != "" && net.ParseIP(c.Target.Host) == nil {
		return fmt.Errorf("無效的主機位址: %s", c.Target.Host)
	}
	if c.Target.CIDR != "" {
		if _, _, err := net.ParseCIDR(c.Target.CIDR); err != nil {
			return fmt.Errorf("無效的 CIDR: %s", c.Target.CIDR)
		}
	}

	if c.Scan.Concurrency < 1 {
		return fmt.Errorf("並行數必須大於 0")
	}
	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("逾時必須大於 0")
	}
	if c.Scan.MaxHosts < 1 {
		return fmt.Errorf("主機數上限必須大於 0")
	}

	if _, err := ParseRegisterKind(c.Read.Kind); err != nil {
		return err
	}
	if c.Read.StartAddress < 0 || c.Read.StartAddress > 65535 {
		return fmt.Errorf("無效的起始位址: %d", c.Read.StartAddress)
	}
	if c.Read.Count < 1 {
		return fmt.Errorf("讀取數量必須大於 0")
	}

	if c.Poll.Interval < MinPollInterval {
		return fmt.Errorf("輪詢間隔過短: %s (最小 %s)", c.Poll.Interval, MinPollInterval)
	}

	if c.Serve.Port < 1 || c.Serve.Port > 65535 {
		return fmt.Errorf("無效的模擬裝置埠號: %d", c.Serve.Port)
	}
	if c.Serve.UnitID < MinUnitID || c.Serve.UnitID > MaxUnitID {
		return fmt.Errorf("無效的模擬裝置 Unit ID: %d", c.Serve.UnitID)
	}

	return nil
}

// ReadPlan 依讀取與目標配置產生讀取計畫
func (c *Config) ReadPlan() (ReadPlan, error) {
	kind, err := ParseRegisterKind(c.Read.Kind)
	if err != nil {
		return ReadPlan{}, err
	}

	plan := ReadPlan{
		Kind:         kind,
		StartAddress: uint16(c.Read.StartAddress),
		Count:        uint16(c.Read.Count),
		Individual:   c.Read.Individual,
	}
	if err := plan.Validate(); err != nil {
		return ReadPlan{}, err
	}

	return plan, nil
}

// TargetSpec 依目標配置產生展開規格
func (c *Config) TargetSpec() TargetSpec {
	return TargetSpec{
		Host:     c.Target.Host,
		CIDR:     c.Target.CIDR,
		Port:     uint16(c.Target.Port),
		UnitIDLo: uint8(c.Target.UnitIDStart),
		UnitIDHi: uint8(c.Target.UnitIDEnd),
		MaxHosts: c.Scan.MaxHosts,
	}
}

// DecodeOptions 依解碼配置產生解碼選項
func (c *Config) DecodeOptions() DecodeOptions {
	return DecodeOptions{
		ReverseByteOrder: c.Decode.ReverseByteOrder,
		ReverseWordOrder: c.Decode.ReverseWordOrder,
		ZeroBased:        c.Decode.ZeroBased,
	}
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}
