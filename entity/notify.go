package entity

// NotificationEvent is the type of the events sent to the notification channel,
// which is accessible externally with fnchain.NotifyChannel().
type NotificationEvent struct {

	// The nofication level
	Level string

	// Timestamp of the event on the format "2006-01-02T15:04:05.000000Z"
	Timestamp string

	// The entity type of the sender, e.g. "executor", "supervisor", "udf", etc
	Sender string

	// The unique instance ID of the sender
	Instance string

	// The destination ID, if applicable
	Destination string

	// The chain step the notification is attributed to, e.g. "udf:enrich#2", if applicable
	Step string

	Message string

	// Fault holds the JSON form ({name, message, status, response}) of a failed step
	Fault []byte

	// Location and stack info, from where notification was sent.
	// Func is always provided.
	// File and Line are added when notification level is WARN or above.
	// StackTrace is added when notification level is ERROR.
	Func       string
	File       string
	Line       int
	StackTrace string
}

type NotifyChan chan NotificationEvent

const (
	NotifyLevelInvalid = iota
	NotifyLevelDebug
	NotifyLevelInfo
	NotifyLevelWarn
	NotifyLevelError
)

var notifyLevelName = map[int]string{
	NotifyLevelInvalid: "INVALID",
	NotifyLevelDebug:   "DEBUG",
	NotifyLevelInfo:    "INFO",
	NotifyLevelWarn:    "WARN",
	NotifyLevelError:   "ERROR",
}

func NotifyLevelName(notifyLevel int) string {
	name, ok := notifyLevelName[notifyLevel]
	if !ok {
		name = "INVALID"
	}
	return name
}

const (
	NotifyLevelStrDebug = "DEBUG"
	NotifyLevelStrInfo  = "INFO"
	NotifyLevelStrWarn  = "WARN"
	NotifyLevelStrError = "ERROR"
)

var notifyLevelFromName = map[string]int{
	NotifyLevelStrDebug: NotifyLevelDebug,
	NotifyLevelStrInfo:  NotifyLevelInfo,
	NotifyLevelStrWarn:  NotifyLevelWarn,
	NotifyLevelStrError: NotifyLevelError,
}

// NotifyLevel returns the level for a level name, or NotifyLevelInvalid if unknown.
func NotifyLevel(name string) int {
	return notifyLevelFromName[name]
}
