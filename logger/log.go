package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log *zap.Logger

	// 全局等级；Init 只改等级不换 logger，已取出的 Named logger 同步生效
	level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
)

func init() {
	Log = build(level)
}

func build(enab zap.AtomicLevel) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder, // 彩色等级
		EncodeCaller: zapcore.ShortCallerEncoder,
		EncodeName:   zapcore.FullNameEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		enab,
	)
	return zap.New(core, zap.AddCaller())
}

// Init 设置全局等级，取 debug/info/warn/error，未知值回落到 info；可在运行中调用
func Init(lvl string) {
	var lv zapcore.Level
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		lv = zapcore.DebugLevel
	case "warn":
		lv = zapcore.WarnLevel
	case "error":
		lv = zapcore.ErrorLevel
	default:
		lv = zapcore.InfoLevel
	}
	level.SetLevel(lv)
}

// Named 子模块 logger
func Named(name string) *zap.Logger { return Log.Named(name) }

// 快捷方法
func Info(msg string, fields ...zap.Field) { Log.WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	Log.WithOptions(zap.AddCallerSkip(1)).Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field) { Log.WithOptions(zap.AddCallerSkip(1)).Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) {
	Log.WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

func Errorf(format string, args ...interface{}) {
	Log.WithOptions(zap.AddCallerSkip(1)).Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { Log.WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...) }

// Sync 退出前刷盘
func Sync() { _ = Log.Sync() }
