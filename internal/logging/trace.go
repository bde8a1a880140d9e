package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Trace categories.
const (
	CategoryNetwork  = "Network"
	CategoryProtocol = "Protocol"
	CategoryRetry    = "Retry"
	CategorySlicing  = "Slicing"
	CategoryLocation = "Location"
)

// TraceLevels holds per-category verbosity. Zero disables a category.
type TraceLevels struct {
	Network  int
	Protocol int
	Retry    int
	Slicing  int
	Location int
}

// Level returns the configured level for category.
func (t TraceLevels) Level(category string) int {
	switch category {
	case CategoryNetwork:
		return t.Network
	case CategoryProtocol:
		return t.Protocol
	case CategoryRetry:
		return t.Retry
	case CategorySlicing:
		return t.Slicing
	case CategoryLocation:
		return t.Location
	default:
		return 0
	}
}

// Enabled reports whether category traces at level are emitted.
func (t TraceLevels) Enabled(category string, level int) bool {
	return level > 0 && t.Level(category) >= level
}

// Tracef emits a trace line for category when its level is >= level.
// Enabled traces are explicit configuration, so they log at info.
func (t TraceLevels) Tracef(logger zerolog.Logger, category string, level int, format string, args ...any) {
	if !t.Enabled(category, level) {
		return
	}
	logger.Info().Str("category", category).Int("trace", level).Msg(fmt.Sprintf(format, args...))
}
