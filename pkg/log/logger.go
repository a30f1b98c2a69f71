package log

import "time"

// Logger is the structured logger every server component writes to.
// Adapters exist for zerolog and for discarding output.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key-value pair attached to a log message.
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field.
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an int field.
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field.
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field with key "error".
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Any creates a field with any value.
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Pid names the process a message is about.
func Pid(pid int) Field {
	return Field{Key: "pid", Value: pid}
}

// Status carries a command or worker exit status.
func Status(code int) Field {
	return Field{Key: "status", Value: code}
}

// Reason explains a drain or shutdown request.
func Reason(reason string) Field {
	return Field{Key: "reason", Value: reason}
}

// Address names a listening socket path.
func Address(path string) Field {
	return Field{Key: "address", Value: path}
}

// Args carries a command's argument list.
func Args(args []string) Field {
	return Field{Key: "args", Value: args}
}
