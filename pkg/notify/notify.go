// Package notify is used internally by fnchain to send/log operational events.
// It is made externally accessible mainly for sink development, since sink internals
// also should send important events to this channel.
// The common notify channel is passed to the sink in its factory's NewSink() func.
package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/teltech/logger"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
)

const timestampFormat = "2006-01-02T15:04:05.000000Z"

// Notifier provides a way to send notification/log events to both an externally accessible
// channel and to log framework.
type Notifier struct {
	ch             entity.NotifyChan
	minNotifyLevel int
	log            *logger.Log
	callerLevel    int
	sender         string
	instance       string
	destination    string
}

// New creates a new Notifier. For proper value on the caller func name, set `callerLevel` to:
//
//	1 - if the notifying func is immediately above the called Notify()
//	2 - if the notifying func is two levels above
//	... etc
//
// The minimum log level to use is set to OS env variable "LOG_LEVEL". If not found or invalid
// it is set to "INFO".
// Min level can be re-set with SetNotifyLevel().
func New(ch entity.NotifyChan, log *logger.Log, callerLevel int, sender, instance, destination string) *Notifier {

	notifyLevel := entity.NotifyLevel(os.Getenv("LOG_LEVEL"))
	if notifyLevel == entity.NotifyLevelInvalid {
		notifyLevel = entity.NotifyLevelInfo
	}

	return &Notifier{
		ch:             ch,
		minNotifyLevel: notifyLevel,
		log:            log,
		callerLevel:    callerLevel,
		sender:         sender,
		instance:       instance,
		destination:    destination,
	}
}

func (n *Notifier) Sender() string {
	return n.sender
}

func (n *Notifier) Instance() string {
	return n.instance
}

func (n *Notifier) Destination() string {
	return n.destination
}

func (n *Notifier) SetNotifyLevel(level int) {
	n.minNotifyLevel = level
}

// Notify sends the provided data to the provided channel (and optionally log framework),
// together with additional data depending on notification level:
//
//	DEBUG and INFO: name of calling func
//	WARN: as INFO plus file and line number
//	ERROR: as WARN plus the full stack trace.
func (n *Notifier) Notify(level int, message string, args ...any) {

	if level < n.minNotifyLevel {
		return
	}

	event := entity.NotificationEvent{
		Sender:      n.sender,
		Instance:    n.instance,
		Destination: n.destination,
		Message:     fmt.Sprintf(message, args...),
	}

	n.SendNotificationEvent(level, event)
	n.logEvent(level, event)
}

// NotifyFault reports a failed chain step at ERROR level, with the fault in its JSON form
// so operators can see name, status and response.
func (n *Notifier) NotifyFault(step string, f fault.Fault) {

	if f == nil || entity.NotifyLevelError < n.minNotifyLevel {
		return
	}

	event := entity.NotificationEvent{
		Sender:      n.sender,
		Instance:    n.instance,
		Destination: n.destination,
		Step:        step,
		Message:     fmt.Sprintf("step %s failed with %s: %s", step, f.Name(), f.Error()),
	}
	event.Fault, _ = f.MarshalJSON()

	n.SendNotificationEvent(entity.NotifyLevelError, event)
	n.logEvent(entity.NotifyLevelError, event)
}

// NotifyLog forwards log entries captured from user code during a step, in emission order.
// All entries of one call share the same timestamp, the time they were received.
func (n *Notifier) NotifyLog(step string, entries []entity.LogEntry) {

	ts := time.Now().UTC().Format(timestampFormat)
	for _, entry := range entries {
		level := entry.Level.NotifyLevel()
		if level < n.minNotifyLevel {
			continue
		}
		event := entity.NotificationEvent{
			Timestamp:   ts,
			Sender:      "udf",
			Instance:    n.instance,
			Destination: n.destination,
			Step:        step,
			Message:     entry.Message,
		}
		n.SendNotificationEvent(level, event)
		n.logEvent(level, event)
	}
}

func (n *Notifier) logEvent(level int, event entity.NotificationEvent) {

	if n.log == nil {
		return
	}

	var destPrefix, destSuffix string
	if event.Destination != "" {
		destPrefix = "(destination: "
		destSuffix = ")"
	}
	if event.Step != "" {
		destSuffix += "(step: " + event.Step + ")"
	}

	const fmtstr = "[%s:%s]%s%s%s %s"
	switch level {
	case entity.NotifyLevelDebug:
		n.log.Debugf(fmtstr, event.Sender, n.instance, destPrefix, event.Destination, destSuffix, event.Message)
	case entity.NotifyLevelInfo:
		n.log.Infof(fmtstr, event.Sender, n.instance, destPrefix, event.Destination, destSuffix, event.Message)
	case entity.NotifyLevelWarn:
		n.log.Warnf(fmtstr, event.Sender, n.instance, destPrefix, event.Destination, destSuffix, event.Message)
	case entity.NotifyLevelError:
		n.log.Errorf(fmtstr, event.Sender, n.instance, destPrefix, event.Destination, destSuffix, event.Message)
	}
}

// SendNotificationEvent takes a formatted NotificationEvent, enrich it with info
// such as func, file, line, call stack, and sends it to the channel.
// If the channel is full the event is dropped.
func (n *Notifier) SendNotificationEvent(notifyLevel int, event entity.NotificationEvent) {

	var (
		pc             uintptr
		line           int
		file, funcName string
	)

	pc, file, line, _ = runtime.Caller(n.callerLevel)
	funcName = "unknown"
	f := runtime.FuncForPC(pc)
	if f != nil {
		_, funcName = filepath.Split(f.Name())
	}

	event.Level = entity.NotifyLevelName(notifyLevel)
	event.Func = funcName
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(timestampFormat)
	}

	if notifyLevel >= entity.NotifyLevelWarn {

		event.File = file
		event.Line = line
	}

	if notifyLevel == entity.NotifyLevelError {

		stackTrace := make([]byte, 1024)
		stackTrace = stackTrace[:runtime.Stack(stackTrace, false)]
		event.StackTrace = string(stackTrace)
	}

	select {
	case n.ch <- event:
	default:
	}
}
