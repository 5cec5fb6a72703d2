package logger

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"

	"github.com/bitechdev/ChatMux/pkg/errortracking"
	"go.uber.org/zap"
)

var (
	Logger       *zap.SugaredLogger
	errorTracker errortracking.Provider
	mu           sync.RWMutex
)

// Init builds the global logger. Development mode logs at debug level with
// a console encoder; production mode logs JSON at info level.
func Init(dev bool) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		UpdateLogger(&cfg)
		return
	}
	cfg := zap.NewProductionConfig()
	UpdateLogger(&cfg)
}

// UpdateLoggerPath redirects log output to path.
func UpdateLoggerPath(path string, dev bool) {
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.OutputPaths = []string{path}
	UpdateLogger(&cfg)
}

func UpdateLogger(config *zap.Config) {
	if config == nil {
		cfg := zap.NewProductionConfig()
		cfg.OutputPaths = []string{"chatmux.log"}
		config = &cfg
	}

	built, err := config.Build()
	if err != nil {
		log.Print(err)
		return
	}

	mu.Lock()
	Logger = built.Sugar()
	mu.Unlock()
	Info("ChatMux logger initialized")
}

// Sync flushes buffered log entries.
func Sync() {
	if l := current(); l != nil {
		_ = l.Sync()
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return Logger
}

// InitErrorTracking routes Warn, Error and panic reports to provider.
func InitErrorTracking(provider errortracking.Provider) {
	mu.Lock()
	errorTracker = provider
	mu.Unlock()
	if provider != nil {
		Info("Error tracking initialized")
	}
}

func GetErrorTracker() errortracking.Provider {
	mu.RLock()
	defer mu.RUnlock()
	return errorTracker
}

// CloseErrorTracking flushes and closes the error tracking provider.
func CloseErrorTracking() error {
	tracker := GetErrorTracker()
	if tracker == nil {
		return nil
	}
	tracker.Flush(5)
	return tracker.Close()
}

func Info(template string, args ...interface{}) {
	l := current()
	if l == nil {
		log.Printf(template, args...)
		return
	}
	l.Infow(fmt.Sprintf(template, args...), "process_id", os.Getpid())
}

func Warn(template string, args ...interface{}) {
	message := fmt.Sprintf(template, args...)
	if l := current(); l == nil {
		log.Printf("%s", message)
	} else {
		l.Warnw(message, "process_id", os.Getpid())
	}

	if tracker := GetErrorTracker(); tracker != nil {
		tracker.CaptureMessage(context.Background(), message, errortracking.SeverityWarning, map[string]interface{}{
			"process_id": os.Getpid(),
		})
	}
}

func Error(template string, args ...interface{}) {
	message := fmt.Sprintf(template, args...)
	if l := current(); l == nil {
		log.Printf("%s", message)
	} else {
		l.Errorw(message, "process_id", os.Getpid())
	}

	if tracker := GetErrorTracker(); tracker != nil {
		tracker.CaptureMessage(context.Background(), message, errortracking.SeverityError, map[string]interface{}{
			"process_id": os.Getpid(),
		})
	}
}

func Debug(template string, args ...interface{}) {
	l := current()
	if l == nil {
		log.Printf(template, args...)
		return
	}
	l.Debugw(fmt.Sprintf(template, args...), "process_id", os.Getpid())
}

// CaptureError logs err and forwards it, with extra, to the error tracker
// as a structured exception rather than a plain message.
func CaptureError(ctx context.Context, err error, extra map[string]interface{}) {
	if err == nil {
		return
	}
	if l := current(); l == nil {
		log.Printf("%v", err)
	} else {
		l.Errorw(err.Error(), "process_id", os.Getpid(), "extra", extra)
	}
	if tracker := GetErrorTracker(); tracker != nil {
		tracker.CaptureError(ctx, err, errortracking.SeverityError, extra)
	}
}

// CatchPanicCallback recovers a panic in the calling goroutine, reports it
// and hands the recovered value to cb.
func CatchPanicCallback(location string, cb func(err any)) {
	if err := recover(); err != nil {
		callstack := debug.Stack()

		if current() != nil {
			Error("Panic in %s : %v", location, err)
		} else {
			fmt.Printf("%s:PANIC->%+v", location, err)
			debug.PrintStack()
		}

		if tracker := GetErrorTracker(); tracker != nil {
			tracker.CapturePanic(context.Background(), err, callstack, map[string]interface{}{
				"location":   location,
				"process_id": os.Getpid(),
			})
		}

		if cb != nil {
			cb(err)
		}
	}
}

// CatchPanic recovers and reports a panic without further handling.
func CatchPanic(location string) {
	CatchPanicCallback(location, nil)
}

// HandlePanic logs a recovered value and returns it as an error.
//
//	defer func() {
//	    if r := recover(); r != nil {
//	        err = logger.HandlePanic("Dispatch", r)
//	    }
//	}()
func HandlePanic(methodName string, r any) error {
	stack := debug.Stack()
	Error("Panic in %s: %v\nStack trace:\n%s", methodName, r, string(stack))

	if tracker := GetErrorTracker(); tracker != nil {
		tracker.CapturePanic(context.Background(), r, stack, map[string]interface{}{
			"method":     methodName,
			"process_id": os.Getpid(),
		})
	}

	return fmt.Errorf("panic in %s: %v", methodName, r)
}
