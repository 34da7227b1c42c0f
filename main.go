package main

import (
	"fmt"
	"os"
)

// 建置資訊，由 ldflags 注入：
//   go build -ldflags "-X main.Version=... -X main.BuildTime=... -X main.GitCommit=..."
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "modscan: %v\n", err)
		os.Exit(1)
	}
}
