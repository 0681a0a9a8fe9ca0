package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================
//
// 編譯：
//   go build -ldflags "-X github.com/ChuLiYu/dlcache/internal/cli.Version=1.0.0" -o bin/dlcache ./cmd/dlcache
//
// 執行：
//   ./bin/dlcache serve -c configs/dlcache.yaml
//   ./bin/dlcache submit --aac https://music.apple.com/us/album/x/123 --wait

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/dlcache/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
