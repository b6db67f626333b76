package cttso_pieriandx_gateway

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ConfigureLogging sets the global logger. Verbose only lowers the level.
func ConfigureLogging(verbose bool, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func sampleLogger(key SampleKey) zerolog.Logger {
	return log.With().Str("subject_id", key.SubjectID).Str("library_id", key.LibraryID).Logger()
}
