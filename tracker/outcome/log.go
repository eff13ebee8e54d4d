package outcome

import (
	"github.com/rs/zerolog"

	"github.com/dshills/tracker-go/internal/log"
)

// LogObserver writes one structured log line per outcome.
//
// Clean cycles log at debug level; cycles with failures log at warn so that
// delivery problems stay visible at the default info level.
//
// Example output (JSON):
//
//	{"level":"warn","component":"emitter","namespace":"app","success":3,"failure":2,"will_retry":2,"dropped":0,"requests":2,"duration":12.5,"message":"emission cycle completed"}
type LogObserver struct {
	logger zerolog.Logger
}

// NewLogObserver creates a LogObserver writing to logger.
func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

// Observe logs o.
func (l *LogObserver) Observe(o Outcome) {
	ev := l.logger.Debug()
	if o.Failure > 0 {
		ev = l.logger.Warn()
	}
	ev.Str(log.FieldNamespace, o.Namespace).
		Int(log.FieldSuccess, o.Success).
		Int(log.FieldFailure, o.Failure).
		Int(log.FieldWillRetry, o.WillRetry).
		Int(log.FieldDropped, o.Dropped).
		Int(log.FieldRequests, o.Requests).
		Dur("duration", o.Duration).
		Msg("emission cycle completed")
}
