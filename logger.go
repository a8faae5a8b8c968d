package netbroker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// AppLogger is an async, optionally file-rotating Logger, promoted
// from the teacher's cmd/logger.go to library level since spec.md's
// ambient stack wants every session and the Manager itself logging
// through the same Logger interface, not just the CLI entry point.
// Writes are queued to a background goroutine so a slow disk or
// terminal never stalls a session's reader/writer loop.
type AppLogger struct {
	id   string
	out  io.Writer
	mask LogMask

	file        *os.File
	fileName    string
	fileRotate  int
	fileMaxSize int64

	msgChan chan appLoggerMsg
	wg      sync.WaitGroup
}

type appLoggerMsg struct {
	code int
	data string
}

const (
	appLoggerMsgWrite = 0
	appLoggerMsgClose = 1
	appLoggerMsgRotate = 2
)

func NewAppLogger(id string, w io.Writer, mask LogMask) *AppLogger {
	l := &AppLogger{
		id:      id,
		out:     w,
		mask:    mask,
		msgChan: make(chan appLoggerMsg, 256),
	}
	l.wg.Add(1)
	go l.loggerTask()
	return l
}

func NewAppLoggerToFile(id, fileName string, maxSize int64, rotate int, mask LogMask) (*AppLogger, error) {
	f, err := os.OpenFile(fileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}

	if os.PathSeparator == '/' {
		if matched, _ := filepath.Match("/dev/*", fileName); matched {
			maxSize = 0
			rotate = 0
		}
	}

	l := &AppLogger{
		id:          id,
		out:         f,
		mask:        mask,
		file:        f,
		fileName:    fileName,
		fileMaxSize: maxSize,
		fileRotate:  rotate,
		msgChan:     make(chan appLoggerMsg, 256),
	}
	l.wg.Add(1)
	go l.loggerTask()
	return l, nil
}

func (l *AppLogger) Close() {
	l.msgChan <- appLoggerMsg{code: appLoggerMsgClose}
	l.wg.Wait()
	if l.file != nil {
		l.file.Close()
	}
}

func (l *AppLogger) Rotate() {
	l.msgChan <- appLoggerMsg{code: appLoggerMsgRotate}
}

func (l *AppLogger) loggerTask() {
	defer l.wg.Done()

	for msg := range l.msgChan {
		switch msg.code {
		case appLoggerMsgWrite:
			io.WriteString(l.out, msg.data)
			if l.fileMaxSize > 0 && l.file != nil {
				if fi, err := l.file.Stat(); err == nil && fi.Size() >= l.fileMaxSize {
					l.rotate()
				}
			}
		case appLoggerMsgClose:
			return
		case appLoggerMsgRotate:
			l.rotate()
		}
	}
}

func (l *AppLogger) Write(id string, level LogLevel, fmtstr string, args ...interface{}) {
	if l.mask&LogMask(level) == 0 {
		return
	}
	l.write(id, level, 1, fmtstr, args...)
}

func (l *AppLogger) WriteWithCallDepth(id string, level LogLevel, callDepth int, fmtstr string, args ...interface{}) {
	if l.mask&LogMask(level) == 0 {
		return
	}
	l.write(id, level, callDepth+1, fmtstr, args...)
}

func (l *AppLogger) write(id string, level LogLevel, callDepth int, fmtstr string, args ...interface{}) {
	now := time.Now()
	_, offS := now.Zone()
	offM := offS / 60
	offH := offM / 60
	offM = offM % 60
	if offM < 0 {
		offM = -offM
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d %+03d%02d ",
		now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second(), offH, offM))

	if _, callerFile, callerLine, ok := runtime.Caller(1 + callDepth); ok {
		sb.WriteString(fmt.Sprintf("[%s:%d] ", filepath.Base(callerFile), callerLine))
	}

	sb.WriteString(fmt.Sprintf("[%s] ", level))
	sb.WriteString(l.id)
	if id != "" {
		sb.WriteString("(")
		sb.WriteString(id)
		sb.WriteString(")")
	}
	sb.WriteString(": ")
	msg := fmt.Sprintf(fmtstr, args...)
	sb.WriteString(msg)
	if len(msg) == 0 || msg[len(msg)-1] != '\n' {
		sb.WriteRune('\n')
	}

	l.msgChan <- appLoggerMsg{code: appLoggerMsgWrite, data: sb.String()}
}

func (l *AppLogger) rotate() {
	if l.file == nil || l.fileRotate <= 0 {
		return
	}
	if fi, err := l.file.Stat(); err == nil && fi.Size() <= 0 {
		return
	}

	for i := l.fileRotate - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", l.fileName, i), fmt.Sprintf("%s.%d", l.fileName, i+1))
	}
	os.Rename(l.fileName, fmt.Sprintf("%s.1", l.fileName))

	f, err := os.OpenFile(l.fileName, os.O_CREATE|os.O_TRUNC|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		l.file.Close()
		l.file = nil
		l.out = os.Stderr
		return
	}
	l.file.Close()
	l.file = f
	l.out = l.file
}
