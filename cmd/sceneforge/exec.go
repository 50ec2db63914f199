package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BaSui01/sceneforge/config"
	"github.com/BaSui01/sceneforge/sandbox"
)

// =============================================================================
// 🧪 exec 命令
// =============================================================================

// runExec 在沙箱中执行本地脚本并写出 GLB。脚本路径为 "-" 时从标准输入读取。
func runExec(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	output := fs.String("o", "", "Output file (default: script name with .glb)")
	timeout := fs.Duration("timeout", 0, "Execution timeout (default: sandbox.timeout)")
	verbose := fs.Bool("v", false, "Print captured console output")

	// 允许标志出现在脚本路径之后
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return 2
		}
		if fs.NArg() == 0 {
			break
		}
		positional = append(positional, fs.Arg(0))
		args = fs.Args()[1:]
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "usage: sceneforge exec [--config path] [-o out.glb] [--timeout 10s] [-v] <script.js|->")
		return 2
	}
	script := positional[0]

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	code, err := readScript(script, stdin)
	if err != nil {
		fmt.Fprintf(stderr, "read script: %v\n", err)
		return 1
	}

	out := *output
	if out == "" {
		out = defaultOutput(script)
	}

	logger, _ := initLogger(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	defer logger.Sync()

	workers, executor := newSandbox(cfg.Sandbox, logger, nil)
	defer workers.Close()
	defer executor.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := executor.Execute(ctx, &sandbox.ExecutionRequest{
		ID:      strings.TrimSuffix(filepath.Base(script), filepath.Ext(script)),
		Code:    code,
		Timeout: *timeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "invalid request: %v\n", err)
		return 1
	}

	if *verbose || !res.Success {
		printDiagnostics(stderr, res.Diagnostics)
	}
	if !res.Success {
		fmt.Fprintf(stderr, "execution failed (%s): %s\n", res.Failure, res.Error)
		return 1
	}

	if err := os.WriteFile(out, res.Asset, 0o644); err != nil {
		fmt.Fprintf(stderr, "write asset: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s (%d bytes, %s) in %s\n", out, len(res.Asset), res.MimeType, res.Duration.Round(1e6))
	return 0
}

func readScript(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func defaultOutput(script string) string {
	if script == "-" {
		return "scene.glb"
	}
	return strings.TrimSuffix(script, filepath.Ext(script)) + ".glb"
}

func printDiagnostics(w io.Writer, diag sandbox.Diagnostics) {
	if diag.DroppedCount > 0 {
		fmt.Fprintf(w, "(%d earlier console lines dropped)\n", diag.DroppedCount)
	}
	for _, line := range diag.Lines {
		fmt.Fprintf(w, "[%s] %s\n", line.Level, line.Message)
	}
}
