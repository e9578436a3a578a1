package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level  string `yaml:"level" env:"LOGGER_LEVEL" env-default:"info" env-description:"Minimum level written to the log sinks"`
	File   string `yaml:"file" env:"LOGGER_FILE" env-default:"" env-description:"Optional log file path, rotated automatically"`
	Silent bool   `yaml:"silent" env:"LOGGER_SILENT" env-default:"false" env-description:"Disables console output"`
}

// New builds the process logger: a console core on stdout plus, when a file
// path is configured, a rotated file core. Either core may be absent; with
// both absent the returned logger is a nop.
func New(cfg Config) *zap.SugaredLogger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	atomicLevel := zap.NewAtomicLevelAt(level)
	encoder := getEncoder()

	cores := make([]zapcore.Core, 0, 2)
	if !cfg.Silent {
		consoleWriter := zapcore.Lock(os.Stdout)
		cores = append(cores, zapcore.NewCore(encoder, consoleWriter, atomicLevel))
	}
	if cfg.File != "" {
		cores = append(cores, zapcore.NewCore(encoder, getLogWriter(cfg.File), atomicLevel))
	}

	return zap.New(zapcore.NewTee(cores...)).Sugar()
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeLevel:    CustomLevelEncoder,
	}
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func getLogWriter(filename string) zapcore.WriteSyncer {
	lumberJackLogger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    200, // MB
		MaxBackups: 30,
		MaxAge:     90, // days
		Compress:   true,
	}
	return zapcore.AddSync(lumberJackLogger)
}

func CustomLevelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

// FileWriter exposes the rotated writer used by the JSON event record sink,
// which shares its rotation policy with the text log.
func FileWriter(filename string) zapcore.WriteSyncer {
	return getLogWriter(filename)
}
