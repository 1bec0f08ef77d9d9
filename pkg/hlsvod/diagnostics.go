package hlsvod

import (
	"strings"

	"github.com/rs/zerolog"
)

// benignDiagnostics are emitted by the muxer for every fragment that does
// not start at zero. They are expected and only logged at debug level.
var benignDiagnostics = []string{
	"No meaningful edit list will be written when using empty_moov without delay_moov",
	"starts with a nonzero dts",
	"Set the delay_moov flag to handle this case",
	"Could not update timestamps for skipped samples",
	"Could not update timestamps for discarded samples",
}

type diagnosticsWriter struct {
	logger zerolog.Logger
}

func newDiagnosticsWriter(l zerolog.Logger) *diagnosticsWriter {
	return &diagnosticsWriter{
		logger: l,
	}
}

func isBenignDiagnostic(message string) bool {
	for _, benign := range benignDiagnostics {
		if strings.Contains(message, benign) {
			return true
		}
	}
	return false
}

func (d *diagnosticsWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if isBenignDiagnostic(line) {
			d.logger.Debug().Msg(line)
		} else {
			d.logger.Warn().Msg(line)
		}
	}
	return len(p), nil
}
