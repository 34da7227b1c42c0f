package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "modscan",
	Short: "Modbus TCP 掃描與讀取工具",
	Long: `Modbus TCP 裝置掃描、暫存器讀取與連續輪詢工具。
支援網段掃描、多種資料型別解碼、KEPServerEX 專案匯入與 CSV 匯出。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 初始化日誌
		var err error
		logger, err = initLogger()
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		// 載入配置 (除了 version 和 help 命令)
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				// 配置載入失敗時使用預設值
				appConfig = DefaultConfig()
				if cfgFile != "" {
					logger.Warn("載入配置檔失敗，使用預設配置", zap.Error(err))
				}
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// scanCmd 掃描命令
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "掃描網段上的 Modbus 裝置",
	Long:  "展開主機或 CIDR 網段與 Unit ID 範圍，並行探測每個目標。",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyTargetFlags(cmd)
		if v, _ := cmd.Flags().GetInt("concurrency"); v > 0 {
			appConfig.Scan.Concurrency = v
		}
		if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
			appConfig.Scan.Timeout = v
		}
		if v, _ := cmd.Flags().GetBool("no-verify"); v {
			appConfig.Scan.VerifyRead = false
		}
		if v, _ := cmd.Flags().GetInt("max-hosts"); v > 0 {
			appConfig.Scan.MaxHosts = v
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		if appConfig.Target.Host == "" && appConfig.Target.CIDR == "" {
			return fmt.Errorf("必須指定 --host 或 --cidr")
		}

		targets, err := appConfig.TargetSpec().Expand()
		if err != nil {
			return fmt.Errorf("展開掃描範圍失敗: %w", err)
		}

		logger.Info("開始掃描",
			zap.Int("targets", len(targets)),
			zap.Int("concurrency", appConfig.Scan.Concurrency),
			zap.Duration("timeout", appConfig.Scan.Timeout),
		)

		ctx, cancel := signalContext()
		defer cancel()

		metrics := startMetrics()

		engine := NewScanEngine(nil, logger)
		agg := NewResultAggregator()

		outcomes := engine.Scan(ctx, targets, ScanOptions{
			Timeout:     appConfig.Scan.Timeout,
			Concurrency: appConfig.Scan.Concurrency,
			VerifyRead:  appConfig.Scan.VerifyRead,
		})
		for outcome := range outcomes {
			agg.PushOutcome(outcome)
			if metrics != nil {
				metrics.RecordOutcome(outcome)
			}
		}

		printOutcomes(agg.SortedOutcomes())
		return nil
	},
}

// readCmd 單次讀取命令
var readCmd = &cobra.Command{
	Use:   "read",
	Short: "讀取單一裝置的暫存器",
	Long:  "對指定裝置執行一次讀取，解碼並顯示各種資料型別。",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyTargetFlags(cmd)
		applyReadFlags(cmd)
		if err := appConfig.Validate(); err != nil {
			return err
		}

		target, err := singleTarget(appConfig)
		if err != nil {
			return err
		}
		plan, err := appConfig.ReadPlan()
		if err != nil {
			return err
		}

		scheduler, err := NewPollScheduler(target, plan, appConfig.DecodeOptions(),
			appConfig.Poll.Interval, appConfig.Scan.Timeout, nil, logger)
		if err != nil {
			return err
		}

		snap := scheduler.ReadOnce()

		agg := NewResultAggregator()
		agg.PushSnapshot(snap)
		if err := loadTags(cmd, agg); err != nil {
			return err
		}

		printSnapshot(snap, agg)

		return exportIfRequested(cmd, agg)
	},
}

// pollCmd 輪詢命令
var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "連續輪詢單一裝置",
	Long:  "以固定間隔連續讀取指定裝置，直到收到中斷信號為止。",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyTargetFlags(cmd)
		applyReadFlags(cmd)
		if v, _ := cmd.Flags().GetDuration("interval"); v > 0 {
			appConfig.Poll.Interval = v
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		target, err := singleTarget(appConfig)
		if err != nil {
			return err
		}
		plan, err := appConfig.ReadPlan()
		if err != nil {
			return err
		}

		scheduler, err := NewPollScheduler(target, plan, appConfig.DecodeOptions(),
			appConfig.Poll.Interval, appConfig.Scan.Timeout, nil, logger)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		metrics := startMetrics()

		agg := NewResultAggregator()
		if err := loadTags(cmd, agg); err != nil {
			return err
		}

		logger.Info("開始輪詢",
			zap.String("target", target.String()),
			zap.Duration("interval", appConfig.Poll.Interval),
		)

		snapshots := make(chan Snapshot)
		errCh := make(chan error, 1)
		go func() {
			errCh <- scheduler.Run(ctx, snapshots)
			close(snapshots)
		}()

		for snap := range snapshots {
			agg.PushSnapshot(snap)
			if metrics != nil {
				metrics.RecordSnapshot(snap)
			}
			fmt.Printf("--- #%d %s (錯誤 %d) ---\n",
				snap.Seq, snap.At.Format(csvTimeLayout), snap.Errors())
			printSnapshot(snap, agg)
		}

		if err := <-errCh; err != nil {
			return err
		}

		return exportIfRequested(cmd, agg)
	},
}

// serveCmd 模擬裝置命令
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "啟動內建模擬裝置",
	Long:  "啟動提供固定測試資料的 Modbus TCP 模擬裝置，作為掃描與輪詢的對測端。",
	RunE: func(cmd *cobra.Command, args []string) error {
		if v, _ := cmd.Flags().GetString("listen"); v != "" {
			appConfig.Serve.Listen = v
		}
		if v, _ := cmd.Flags().GetInt("port"); v > 0 {
			appConfig.Serve.Port = v
		}
		if v, _ := cmd.Flags().GetString("profile"); v != "" {
			appConfig.Serve.Profile = v
		}
		if err := appConfig.Validate(); err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		server := NewFixtureServer(appConfig.Serve.Listen, appConfig.Serve.Port,
			WithFixtureProfile(appConfig.Serve.Profile),
			WithFixtureLogger(logger),
		)

		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("啟動模擬裝置失敗: %w", err)
		}

		<-ctx.Done()
		return server.Stop()
	},
}

// importCmd 匯入命令
var importCmd = &cobra.Command{
	Use:   "import [file.opf]",
	Short: "匯入 KEPServerEX 專案檔",
	Long:  "解析 KEPServerEX .opf 專案檔，顯示連線資訊、暫存器位址與標籤。",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opf, err := ParseOPFFile(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("連線資訊:\n")
		fmt.Printf("  IP:      %s\n", opf.IP)
		fmt.Printf("  Port:    %d\n", opf.Port)
		fmt.Printf("  Unit ID: %d\n", opf.UnitID)
		fmt.Printf("暫存器: %d 個", len(opf.Registers))
		if len(opf.Registers) > 0 {
			fmt.Printf(" (位址 %d-%d, 連續讀取 %d 筆)", opf.MinAddress, opf.MaxAddress, opf.ScanCount)
		}
		fmt.Println()

		if len(opf.Tags) > 0 {
			fmt.Printf("標籤 (%d 個):\n", len(opf.Tags))
			for _, tag := range opf.Tags {
				addr := fmt.Sprintf("%d", tag.Address)
				if tag.Bit >= 0 {
					addr = fmt.Sprintf("%d.%d", tag.Address, tag.Bit)
				}
				fmt.Printf("  %-24s %s\n", tag.Name, addr)
			}
		}

		// 轉出可直接使用的配置檔
		if output, _ := cmd.Flags().GetString("output"); output != "" {
			cfg := DefaultConfig()
			cfg.Target.Host = opf.IP
			cfg.Target.Port = int(opf.Port)
			cfg.Target.UnitIDStart = int(opf.UnitID)
			cfg.Target.UnitIDEnd = int(opf.UnitID)
			if len(opf.Registers) > 0 {
				cfg.Read.StartAddress = int(opf.MinAddress)
				cfg.Read.Count = int(opf.ScanCount)
			}
			if err := cfg.SaveConfig(output); err != nil {
				return fmt.Errorf("轉出配置失敗: %w", err)
			}
			fmt.Printf("配置已寫入: %s\n", output)
		}

		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Host: %s\n", cfg.Target.Host)
		fmt.Printf("  CIDR: %s\n", cfg.Target.CIDR)
		fmt.Printf("  Port: %d\n", cfg.Target.Port)
		fmt.Printf("  Unit ID: %d-%d\n", cfg.Target.UnitIDStart, cfg.Target.UnitIDEnd)
		fmt.Printf("  Read: %s %d+%d\n", cfg.Read.Kind, cfg.Read.StartAddress, cfg.Read.Count)
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 添加範例掃描範圍
		cfg.Target.CIDR = "192.168.1.0/28"

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("modscan version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// 目標 flags (scan / read / poll 共用)
	for _, cmd := range []*cobra.Command{scanCmd, readCmd, pollCmd} {
		cmd.Flags().StringP("host", "H", "", "目標主機 IP")
		cmd.Flags().IntP("port", "p", 0, "目標埠號")
		cmd.Flags().IntP("unit", "u", 0, "Unit ID")
	}

	// scan 命令 flags
	scanCmd.Flags().String("cidr", "", "CIDR 網段")
	scanCmd.Flags().Int("unit-end", 0, "Unit ID 範圍結束值")
	scanCmd.Flags().Int("concurrency", 0, "並行探測數")
	scanCmd.Flags().Duration("timeout", 0, "單一目標逾時")
	scanCmd.Flags().Bool("no-verify", false, "僅測試 TCP 連線，不執行驗證讀取")
	scanCmd.Flags().Int("max-hosts", 0, "展開主機數上限")

	// read / poll 命令 flags
	for _, cmd := range []*cobra.Command{readCmd, pollCmd} {
		cmd.Flags().StringP("kind", "k", "", "暫存器類型 (coils / discrete / holding / input)")
		cmd.Flags().IntP("address", "a", -1, "起始位址")
		cmd.Flags().IntP("count", "n", 0, "讀取數量")
		cmd.Flags().Bool("individual", false, "逐筆讀取 (每個位址獨立請求)")
		cmd.Flags().Bool("reverse-bytes", false, "反轉位元組順序")
		cmd.Flags().Bool("reverse-words", false, "反轉字組順序 (32-bit)")
		cmd.Flags().Bool("zero-based", false, "以 0 起始顯示位址")
		cmd.Flags().Bool("bits", false, "CSV 匯出包含位元分解列")
		cmd.Flags().StringP("output", "o", "", "匯出 CSV 檔案路徑")
		cmd.Flags().String("tags", "", "KEPServerEX .opf 標籤檔路徑")
	}
	pollCmd.Flags().DurationP("interval", "i", 0, "輪詢間隔")

	// serve 命令 flags
	serveCmd.Flags().String("listen", "", "監聽位址")
	serveCmd.Flags().IntP("port", "p", 0, "監聽埠號")
	serveCmd.Flags().String("profile", "", "更新模式 (static / counter / wave)")

	// import 命令 flags
	importCmd.Flags().StringP("output", "o", "", "轉出配置檔路徑")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		scanCmd,
		readCmd,
		pollCmd,
		serveCmd,
		importCmd,
		configCmd,
		versionCmd,
	)
}

// applyTargetFlags 以 CLI 參數覆蓋目標配置
func applyTargetFlags(cmd *cobra.Command) {
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		appConfig.Target.Host = v
	}
	if cmd.Flags().Lookup("cidr") != nil {
		if v, _ := cmd.Flags().GetString("cidr"); v != "" {
			appConfig.Target.CIDR = v
		}
	}
	if v, _ := cmd.Flags().GetInt("port"); v > 0 {
		appConfig.Target.Port = v
	}
	if v, _ := cmd.Flags().GetInt("unit"); v > 0 {
		appConfig.Target.UnitIDStart = v
		appConfig.Target.UnitIDEnd = v
	}
	if cmd.Flags().Lookup("unit-end") != nil {
		if v, _ := cmd.Flags().GetInt("unit-end"); v > 0 {
			appConfig.Target.UnitIDEnd = v
		}
	}
}

// applyReadFlags 以 CLI 參數覆蓋讀取與解碼配置
func applyReadFlags(cmd *cobra.Command) {
	if v, _ := cmd.Flags().GetString("kind"); v != "" {
		appConfig.Read.Kind = v
	}
	if v, _ := cmd.Flags().GetInt("address"); v >= 0 {
		appConfig.Read.StartAddress = v
	}
	if v, _ := cmd.Flags().GetInt("count"); v > 0 {
		appConfig.Read.Count = v
	}
	if v, _ := cmd.Flags().GetBool("individual"); v {
		appConfig.Read.Individual = true
	}
	if v, _ := cmd.Flags().GetBool("reverse-bytes"); v {
		appConfig.Decode.ReverseByteOrder = true
	}
	if v, _ := cmd.Flags().GetBool("reverse-words"); v {
		appConfig.Decode.ReverseWordOrder = true
	}
	if v, _ := cmd.Flags().GetBool("zero-based"); v {
		appConfig.Decode.ZeroBased = true
	}
}

// singleTarget 從配置取得單一目標
func singleTarget(cfg *Config) (ScanTarget, error) {
	if cfg.Target.Host == "" {
		return ScanTarget{}, fmt.Errorf("必須指定 --host")
	}
	ip := net.ParseIP(cfg.Target.Host)
	if ip == nil {
		return ScanTarget{}, fmt.Errorf("無效的主機位址: %s", cfg.Target.Host)
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ScanTarget{
		Host:   ip,
		Port:   uint16(cfg.Target.Port),
		UnitID: uint8(cfg.Target.UnitIDStart),
	}, nil
}

// loadTags 載入 .opf 標籤檔 (若有指定)
func loadTags(cmd *cobra.Command, agg *ResultAggregator) error {
	path, _ := cmd.Flags().GetString("tags")
	if path == "" {
		return nil
	}

	opf, err := ParseOPFFile(path)
	if err != nil {
		return fmt.Errorf("載入標籤檔失敗: %w", err)
	}

	agg.SetTags(opf.TagMap())
	logger.Info("已載入標籤", zap.Int("count", len(opf.Tags)))
	return nil
}

// exportIfRequested 依 --output 導出 CSV
func exportIfRequested(cmd *cobra.Command, agg *ResultAggregator) error {
	output, _ := cmd.Flags().GetString("output")
	if output == "" {
		return nil
	}
	includeBits, _ := cmd.Flags().GetBool("bits")

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("建立匯出檔失敗: %w", err)
	}
	defer f.Close()

	if err := agg.ExportCSV(f, includeBits); err != nil {
		return fmt.Errorf("匯出失敗: %w", err)
	}

	fmt.Printf("結果已匯出: %s\n", output)
	return nil
}

// startMetrics 依配置啟動指標伺服器
func startMetrics() *MetricsCollector {
	if !appConfig.Metrics.Enabled {
		return nil
	}

	metrics := NewMetricsCollector(logger)
	if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
		logger.Warn("啟動指標伺服器失敗", zap.Error(err))
		return nil
	}
	return metrics
}

// printOutcomes 輸出掃描結果
func printOutcomes(outcomes []ScanOutcome) {
	reachable := 0
	verified := 0

	fmt.Printf("%-28s %-10s %-10s %-10s %s\n", "Target", "Reachable", "Verified", "Elapsed", "Error")
	for _, o := range outcomes {
		if o.Reachable {
			reachable++
		}
		if o.Verified {
			verified++
		}
		fmt.Printf("%-28s %-10t %-10t %-10s %s\n",
			o.Target.String(), o.Reachable, o.Verified,
			o.Elapsed.Round(time.Millisecond), o.Err.String())
	}

	fmt.Printf("\n共 %d 個目標，%d 可連線，%d 通過驗證讀取\n", len(outcomes), reachable, verified)
}

// printSnapshot 輸出單次讀取的解碼結果
func printSnapshot(snap Snapshot, agg *ResultAggregator) {
	fmt.Printf("%-10s %-20s %-8s %-8s %-8s %-12s %-12s %-14s %-8s %s\n",
		"Address", "Tag", "Hex", "Uint16", "Int16", "Uint32", "Int32", "Float32", "String", "Error")

	for _, row := range snap.Registers {
		tag := agg.TagFor(row.Address, -1)

		if row.Err != ErrorNone {
			fmt.Printf("%-10d %-20s %s\n", row.Address, tag, row.Err.String())
			continue
		}

		fmt.Printf("%-10d %-20s %-8s %-8s %-8s %-12s %-12s %-14s %-8s\n",
			row.Address, tag, row.Hex,
			uint16String(row.Uint16), int16String(row.Int16),
			uint32String(row.Uint32), int32String(row.Int32),
			float32String(row.Float32), row.Str)
	}
}

func initLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// signalContext 建立收到中斷信號時取消的 context
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
