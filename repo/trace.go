package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// Logging convention in docsync:
// Info:
//     abnormal events. Silent on normal operation except for one time setup:
//     - peer send failures and relay reconnects
//     - malformed frames and room messages
// Error:
//     panics recovered by `HandleError`, with their stack
// V(1):
//     key events with ids that can be used to filter: peer connect, document resolve
// V(2):
//     per frame events: send, receive, signal

// PanicError is a panic recovered by `HandleError`.
type PanicError struct {
	Value any
	Stack []string
}

func newPanicError(value any, stack []byte) *PanicError {
	stackLines := []string{}
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			stackLines = append(stackLines, line)
		}
	}
	return &PanicError{
		Value: value,
		Stack: stackLines,
	}
}

func (self *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", self.Value)
}

// Unwrap exposes a panic value that is itself an error.
func (self *PanicError) Unwrap() error {
	if err, ok := self.Value.(error); ok {
		return err
	}
	return nil
}

func (self *PanicError) Json() string {
	errorJson, _ := json.Marshal(map[string]any{
		"error": fmt.Sprintf("%T=%v", self.Value, self.Value),
		"stack": self.Stack,
	})
	return string(errorJson)
}

// HandleError runs `do` and recovers a panic as a `*PanicError`.
// The handlers see the recovered error, then it is returned. A `do` that returns normally returns nil.
func HandleError(do func(), handlers ...func(error)) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var panicErr *PanicError
		if recoveredErr, ok := r.(error); !ok || !errors.As(recoveredErr, &panicErr) {
			panicErr = newPanicError(r, debug.Stack())
			glog.Errorf("[repo]recovered %s\n", panicErr.Json())
		}
		for _, handler := range handlers {
			handler(panicErr)
		}
		err = panicErr
	}()
	do()
	return nil
}

// TraceWithReturnError logs how long `do` took and what it returned.
func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, returnErr error) {
	start := time.Now()
	result, returnErr = do()
	millis := float64(time.Since(start)) / float64(time.Millisecond)
	if returnErr != nil {
		glog.Infof("%s (%.2fms) err = %s\n", tag, millis, returnErr)
	} else {
		glog.Infof("%s (%.2fms) = %v\n", tag, millis, result)
	}
	return
}
