package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/displaything/desktopthing/internal/config"
	"github.com/displaything/desktopthing/internal/util"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// activeLogName is the file lumberjack writes to; its backups are named desktop-<time>.log.
const activeLogName = "desktop.log"

const defaultLogMaxAgeDays = 14

var (
	setupOnce      sync.Once
	writerMu       sync.Mutex
	logWriter      *lumberjack.Logger
	ginInfoWriter  *io.PipeWriter
	ginErrorWriter *io.PipeWriter
)

// LogFormatter renders one line per entry.
// Format: [2026-03-02 20:14:04] [a1b2c3d4] [debug] [manager.go:124] refresh scheduled source=startup
type LogFormatter struct{}

// logFieldOrder lists the fields that are printed, in order. Anything else stays out of the line.
var logFieldOrder = []string{"component", "source", "event", "channel", "status", "user", "attempt", "delay", "access_token", "refresh_token", "error"}

// secretFields never appear in full, whoever logs them.
var secretFields = map[string]struct{}{
	"access_token":  {},
	"refresh_token": {},
}

// Format renders a single log entry.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	buffer := entry.Buffer
	if buffer == nil {
		buffer = &bytes.Buffer{}
	}

	reqID, _ := entry.Data["request_id"].(string)
	if reqID == "" {
		reqID = "--------"
	}
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}

	fmt.Fprintf(buffer, "[%s] [%s] [%-5s] ", entry.Time.Format("2006-01-02 15:04:05"), reqID, level)
	if entry.Caller != nil {
		fmt.Fprintf(buffer, "[%s:%d] ", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	buffer.WriteString(strings.TrimRight(entry.Message, "\r\n"))
	for _, k := range logFieldOrder {
		v, ok := entry.Data[k]
		if !ok {
			continue
		}
		if _, secret := secretFields[k]; secret {
			v = util.HideToken(fmt.Sprint(v))
		}
		fmt.Fprintf(buffer, " %s=%v", k, v)
	}
	buffer.WriteByte('\n')
	return buffer.Bytes(), nil
}

// SetupBaseLogger configures the shared logrus instance and Gin writers. Only the first call
// has an effect.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&LogFormatter{})

		ginInfoWriter = log.StandardLogger().Writer()
		gin.DefaultWriter = ginInfoWriter
		ginErrorWriter = log.StandardLogger().WriterLevel(log.ErrorLevel)
		gin.DefaultErrorWriter = ginErrorWriter
		gin.DebugPrintFunc = func(format string, values ...interface{}) {
			log.StandardLogger().Debugf(strings.TrimRight(format, "\r\n"), values...)
		}

		log.RegisterExitHandler(closeLogOutputs)
	})
}

// ResolveLogDirectory returns where log files live: WRITABLE_PATH/logs when set, otherwise
// the logs folder next to the credential file. The desktop process is often launched by the
// URL scheme handler with an arbitrary working directory, so the working directory is only
// used when the data dir cannot be resolved.
func ResolveLogDirectory(cfg *config.Config) string {
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "logs")
	}
	if cfg != nil {
		dataDir, err := util.ResolveDataDir(cfg)
		if err == nil && dataDir != "" {
			return filepath.Join(dataDir, "logs")
		}
		if err != nil {
			log.Warnf("logging: resolve data-dir %q: %v", cfg.DataDir, err)
		}
	}
	return "logs"
}

// ConfigureLogOutput switches the global log destination between the rotating desktop log
// and stdout. It never deletes files; see StartLogDirCleaner.
func ConfigureLogOutput(cfg *config.Config) error {
	SetupBaseLogger()
	if cfg == nil {
		cfg = &config.Config{}
	}

	writerMu.Lock()
	defer writerMu.Unlock()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if !cfg.LoggingToFile {
		log.SetOutput(os.Stdout)
		return nil
	}

	logDir := ResolveLogDirectory(cfg)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("logging: create log directory: %w", err)
	}
	logWriter = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, activeLogName),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     logMaxAgeDays(cfg),
		Compress:   true,
	}
	log.SetOutput(logWriter)
	return nil
}

func logMaxAgeDays(cfg *config.Config) int {
	if cfg.LogsMaxAgeDays > 0 {
		return cfg.LogsMaxAgeDays
	}
	return defaultLogMaxAgeDays
}

func closeLogOutputs() {
	writerMu.Lock()
	defer writerMu.Unlock()

	stopLogDirCleanerLocked()

	if logWriter != nil {
		_ = logWriter.Close()
		logWriter = nil
	}
	if ginInfoWriter != nil {
		_ = ginInfoWriter.Close()
		ginInfoWriter = nil
	}
	if ginErrorWriter != nil {
		_ = ginErrorWriter.Close()
		ginErrorWriter = nil
	}
}
