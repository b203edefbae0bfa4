// Package logx provides the process-wide slog logger with a compact colored
// console handler.
package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/fatih/color"
)

type consoleHandler struct {
	logger *log.Logger
}

func (h *consoleHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }

func (h *consoleHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

func (h *consoleHandler) WithGroup(_ string) slog.Handler { return h }

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	level := fmt.Sprintf("[%5s]", record.Level.String())

	switch record.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	}

	timeStr := record.Time.Format("15:04:05.000")

	file, line := caller(record.PC)
	callerInfo := color.YellowString(fmt.Sprintf("[%10s:%3d]", shortFile(file), line))

	var jsonStr string
	if record.NumAttrs() > 0 {
		fields := make(map[string]any, record.NumAttrs())
		record.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value.Any()
			return true
		})
		jsonBytes, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		jsonStr = color.WhiteString(string(jsonBytes))
	}

	h.logger.Println(timeStr, callerInfo, level, record.Message, jsonStr)
	return nil
}

func caller(pc uintptr) (file string, line int) {
	fs := runtime.CallersFrames([]uintptr{pc})
	f, _ := fs.Next()
	file = f.File
	if file == "" {
		file = "???"
	}
	return file, f.Line
}

func shortFile(file string) string {
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			return file[i+1:]
		}
	}
	return file
}

func newHandler(out io.Writer) *consoleHandler {
	return &consoleHandler{logger: log.New(out, "", 0)}
}

var (
	once   sync.Once
	logger *slog.Logger
)

func L() *slog.Logger {
	once.Do(func() {
		logger = slog.New(newHandler(os.Stdout))
	})
	return logger
}
