package observability

import (
	"github.com/rs/zerolog"

	logs "github.com/danmuck/udactl/internal/logging"
)

// InitLogger derives the admin request logger from the process logger, so
// UDACTL_LOG_* settings apply to HTTP access lines too.
func InitLogger(app string) zerolog.Logger {
	return logs.Logger().With().Str("app", app).Str("surface", "admin").Logger()
}
