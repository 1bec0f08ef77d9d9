package hlsvod

import (
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type InitOptions struct {
	// Logger receives muxer diagnostics, defaults to the global logger.
	Logger *zerolog.Logger
}

var (
	initMu      sync.RWMutex
	initialized bool
	diagnostics io.Writer = io.Discard
)

// Init must be called once, before any request is handled.
func Init(opts InitOptions) error {
	initMu.Lock()
	defer initMu.Unlock()

	if initialized {
		return &InitError{Reason: "already initialized"}
	}

	logger := log.With().Str("module", "hlsvod").Str("submodule", "diagnostics").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	diagnostics = newDiagnosticsWriter(logger)
	initialized = true
	return nil
}

func ensureInitialized() error {
	initMu.RLock()
	defer initMu.RUnlock()

	if !initialized {
		return &InitError{Reason: "hlsvod.Init was not called"}
	}
	return nil
}

func emitDiagnostic(format string, args ...interface{}) {
	initMu.RLock()
	w := diagnostics
	initMu.RUnlock()

	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
