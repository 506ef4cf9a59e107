package metrics

import (
	"fmt"
	"log"
	"os"
	"path"
	"sync"
)

type Logger interface {
	Log(info *MetricsInfo)
}

type StdoutLogger struct{}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{}
}

func (l *StdoutLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err == nil {
		log.Print(infoStr)
	} else {
		log.Printf("StdoutLogger: error: %v", err)
	}
}

// MultiLogger fans a record out to several loggers.
type MultiLogger []Logger

func (m MultiLogger) Log(info *MetricsInfo) {
	for _, l := range m {
		l.Log(info)
	}
}

const defaultQueueSize = 2000
const defaultMaxLogFileSize = 1024 * 1024 * 1024
const defaultMaxLogFiles = 10

// FileLogger writes one JSON record per line from a background goroutine,
// rotating to metrics.log.N once the live file exceeds MaxLogFileSize.
// Records are dropped rather than blocking when the queue is full.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	Verbose        bool

	done chan struct{}
	once sync.Once
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, verbose bool) (*FileLogger, error) {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	logger := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
		done:           make(chan struct{}),
	}

	f, err := logger.openLogFile()
	if err != nil {
		return nil, err
	}
	go logger.startLogWriter(f)
	return logger, nil
}

func (l *FileLogger) Log(info *MetricsInfo) {
	select {
	case l.MetricsQueue <- info:
	default:
		if l.Verbose {
			log.Printf("FileLogger: queue full, dropping %s", info.ReqID)
		}
	}
}

// Close flushes queued records and stops the writer.
func (l *FileLogger) Close() {
	l.once.Do(func() {
		close(l.MetricsQueue)
		<-l.done
	})
}

func (l *FileLogger) startLogWriter(f *os.File) {
	defer close(l.done)
	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Printf("FileLogger: info.ToJSON() error: %v", err)
			continue
		}

		f = l.tryRotateLogFile(f)
		if _, err := f.WriteString(infoStr); err != nil {
			log.Printf("FileLogger: write error: %v", err)
			continue
		}
		f.Sync()
	}
	f.Close()
}

func (l *FileLogger) logFilePath() string {
	return path.Join(l.LogDir, "metrics.log")
}

func (l *FileLogger) openLogFile() (*os.File, error) {
	return os.OpenFile(l.logFilePath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// tryRotateLogFile shifts metrics.log.N to N+1, dropping the oldest, and
// starts a fresh metrics.log.
func (l *FileLogger) tryRotateLogFile(currFile *os.File) *os.File {
	info, err := currFile.Stat()
	if err != nil {
		log.Printf("FileLogger: log rotation error: %v", err)
		return currFile
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile
	}

	rotated := func(i int) string {
		return fmt.Sprintf("%s.%d", l.logFilePath(), i)
	}
	os.Remove(rotated(l.MaxLogFiles - 1))
	for i := l.MaxLogFiles - 2; i >= 0; i-- {
		if _, err := os.Stat(rotated(i)); err == nil {
			os.Rename(rotated(i), rotated(i+1))
		}
	}

	currFile.Close()
	if err := os.Rename(l.logFilePath(), rotated(0)); err != nil {
		log.Printf("FileLogger: log rotation error: %v", err)
	}
	f, err := l.openLogFile()
	if err != nil {
		log.Printf("FileLogger: log rotation error: %v", err)
		return currFile
	}
	if l.Verbose {
		log.Printf("FileLogger: log file rotated: %v", rotated(0))
	}
	return f
}
