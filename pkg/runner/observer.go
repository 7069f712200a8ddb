package runner

import (
	"time"

	"github.com/x-dm-automation/pkg/logger"
)

type LogLevel int

const (
	LevelInfo LogLevel = iota
	LevelSuccess
	LevelWarning
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelSuccess:
		return "success"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return "info"
}

type LogEvent struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
}

// Observer receives the run's log stream and the running total of sent
// messages. Calls are made from the controller goroutine and must not block.
type Observer interface {
	OnLog(LogEvent)
	OnSentCount(int)
}

// ConsoleObserver writes events through the component logger.
type ConsoleObserver struct {
	log *logger.Logger
}

func NewConsoleObserver() *ConsoleObserver {
	return &ConsoleObserver{log: logger.WithComponent("run")}
}

func (o *ConsoleObserver) OnLog(ev LogEvent) {
	switch ev.Level {
	case LevelError:
		o.log.Error("%s", ev.Message)
	case LevelWarning:
		o.log.Warn("%s", ev.Message)
	case LevelSuccess:
		o.log.WithField("result", "success").Info("%s", ev.Message)
	default:
		o.log.Info("%s", ev.Message)
	}
}

func (o *ConsoleObserver) OnSentCount(n int) {
	o.log.WithField("sent", n).Debug("Sent count updated")
}
