package obs

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	loggerOnce sync.Once
	logger     *log.Logger

	zlOnce sync.Once
	zl     zerolog.Logger
)

// Logger returns the shared log sink used across the service.
func Logger() *log.Logger {
	loggerOnce.Do(func() {
		logger = log.New(os.Stdout, "", 0)
	})
	return logger
}

// sinkWriter resolves the sink on every write so that SetOutput on Logger()
// also redirects structured logs.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	return Logger().Writer().Write(p)
}

// Log returns the structured application logger. It writes JSON lines into
// the Logger() sink.
func Log() *zerolog.Logger {
	zlOnce.Do(func() {
		zerolog.TimestampFieldName = "ts"
		zerolog.MessageFieldName = "msg"
		zl = zerolog.New(sinkWriter{}).With().Timestamp().Logger()
	})
	return &zl
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Log().With().Str("component", name).Logger()
}

// SetLevel sets the global level; unknown names fall back to info.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// LogRequest emits a structured JSON log line with common HTTP fields.
func LogRequest(entry map[string]any) {
	data, err := json.Marshal(entry)
	if err != nil {
		Logger().Println(`{"ts":"error","level":"error","msg":"log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
