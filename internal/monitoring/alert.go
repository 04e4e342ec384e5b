package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert raises an operator-facing alert. It logs at error level with an
// alert field that log shipping routes to paging.
func Alert(message string, labels map[string]string) {
	fields := make(map[string]any, len(labels))
	for k, v := range labels {
		fields[k] = v
	}
	log.Error().
		Str("alert", message).
		Fields(fields).
		Msg("ALERT: messaging pipeline issue detected")
}
