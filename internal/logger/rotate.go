package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RotateOptions 控制滚动日志文件。零值字段使用 lumberjack 默认值。
type RotateOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// SetRotatingFile 同时输出到 stdout 与滚动文件，返回的 Closer 用于退出时关闭文件。
func SetRotatingFile(opts RotateOptions) (io.Closer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir failed: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	SetOutput(io.MultiWriter(os.Stdout, lj))
	return lj, nil
}
