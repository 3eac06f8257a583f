package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
)

// ========================================
// Structured Logger - 结构化日志系统
// ========================================

// Logger 全局日志实例
var Logger = zerolog.New(io.Discard)

// persistentLogger 持久化日志管理器
var persistentLogger *PersistentLogger

// LogLevel 日志级别
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// LogConfig 日志配置
type LogConfig struct {
	Level      LogLevel
	Console    bool   // 是否输出到控制台
	File       bool   // 是否输出到文件
	FilePath   string // 日志文件路径
	MaxSizeMB  int    // 单个日志文件最大大小 (MB)
	MaxAgeDays int    // 日志保留天数
	MaxBackups int    // 最大备份数量
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      LogLevelInfo,
		Console:    true,
		File:       false,
		MaxSizeMB:  10,
		MaxAgeDays: 7,
		MaxBackups: 5,
	}
}

// PersistentLogConfig 返回持久化日志配置
func PersistentLogConfig(dataDir string) LogConfig {
	cfg := DefaultLogConfig()
	cfg.File = true
	cfg.FilePath = filepath.Join(dataDir, "logs", "drover.log")
	return cfg
}

// PersistentLogger writes the active log file and keeps a fixed ladder of
// compressed backups next to it: drover.log.1.gz is the most recent rotation,
// drover.log.<MaxBackups>.gz the oldest. Rotation happens inline on the
// writing goroutine when the size cap is crossed; old and over-age backups
// are pruned at the same moment, so there is no cleanup goroutine to stop.
type PersistentLogger struct {
	mu     sync.Mutex
	config LogConfig
	file   *os.File
	size   int64
}

// NewPersistentLogger 创建持久化日志管理器
func NewPersistentLogger(config LogConfig) (*PersistentLogger, error) {
	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	pl := &PersistentLogger{config: config}
	if err := pl.open(); err != nil {
		return nil, err
	}
	// Drop anything a previous run left beyond the retention window.
	pl.prune()
	return pl, nil
}

// Write 实现 io.Writer 接口
func (pl *PersistentLogger) Write(p []byte) (int, error) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.config.MaxSizeMB > 0 && pl.size+int64(len(p)) > int64(pl.config.MaxSizeMB)*1024*1024 {
		if err := pl.rotate(); err != nil {
			// Rotation failure must not lose log lines; keep writing to the
			// oversized file.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := pl.file.Write(p)
	pl.size += int64(n)
	return n, err
}

func (pl *PersistentLogger) open() error {
	file, err := os.OpenFile(pl.config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	pl.file = file
	pl.size = info.Size()
	return nil
}

func (pl *PersistentLogger) backupPath(n int) string {
	return fmt.Sprintf("%s.%d.gz", pl.config.FilePath, n)
}

// rotate 轮转日志：把现有备份整体后移一位，再把当前文件压缩成 .1.gz
func (pl *PersistentLogger) rotate() error {
	if pl.file != nil {
		pl.file.Close()
		pl.file = nil
	}

	maxBackups := pl.config.MaxBackups
	if maxBackups < 1 {
		maxBackups = 1
	}
	os.Remove(pl.backupPath(maxBackups))
	for n := maxBackups - 1; n >= 1; n-- {
		if _, err := os.Stat(pl.backupPath(n)); err == nil {
			os.Rename(pl.backupPath(n), pl.backupPath(n+1))
		}
	}

	if err := pl.compressInto(pl.config.FilePath, pl.backupPath(1)); err != nil {
		// Could not compress; fall back to a plain rename so the slot is
		// still consumed and the active file starts empty.
		os.Rename(pl.config.FilePath, pl.backupPath(1))
	} else {
		os.Remove(pl.config.FilePath)
	}

	pl.prune()
	return pl.open()
}

func (pl *PersistentLogger) compressInto(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		os.Remove(dstPath)
		return err
	}
	return gz.Close()
}

// prune 删除超龄备份；数量上限由 rotate 的移位逻辑保证
func (pl *PersistentLogger) prune() {
	if pl.config.MaxAgeDays <= 0 {
		return
	}
	cutoff := time.Now().Add(-time.Duration(pl.config.MaxAgeDays) * 24 * time.Hour)
	for n := 1; n <= pl.config.MaxBackups; n++ {
		path := pl.backupPath(n)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(path)
		}
	}
}

// Close 关闭日志文件
func (pl *PersistentLogger) Close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.file != nil {
		return pl.file.Close()
	}
	return nil
}

// InitLogger 初始化日志系统
func InitLogger(config LogConfig) error {
	var writers []io.Writer

	if config.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	}

	if config.File && config.FilePath != "" {
		pl, err := NewPersistentLogger(config)
		if err != nil {
			return err
		}
		persistentLogger = pl
		writers = append(writers, pl)
	}

	if len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
	}

	multi := zerolog.MultiLevelWriter(writers...)

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	Logger = zerolog.New(multi).
		Level(level).
		With().
		Timestamp().
		Logger()

	return nil
}

// CloseLogger 关闭日志系统
func CloseLogger() {
	if persistentLogger != nil {
		persistentLogger.Close()
	}
}

// ========================================
// 便捷日志函数
// ========================================

// LogDebug 输出 Debug 级别日志
func LogDebug(module string) *zerolog.Event {
	return Logger.Debug().Str("module", module)
}

// LogInfo 输出 Info 级别日志
func LogInfo(module string) *zerolog.Event {
	return Logger.Info().Str("module", module)
}

// LogWarn 输出 Warn 级别日志
func LogWarn(module string) *zerolog.Event {
	return Logger.Warn().Str("module", module)
}

// LogError 输出 Error 级别日志
func LogError(module string) *zerolog.Event {
	return Logger.Error().Str("module", module)
}
