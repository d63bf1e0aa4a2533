package pfs

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Logger receives diagnostic events from a file handle: journal recovery,
// flush failures, and cache pressure. The zero value is a no-op logger, so
// Options.Logger can be left unset.
type Logger struct {
	zl *zerolog.Logger
}

// NewLogger wraps an existing zerolog.Logger for use as a pfs.Logger.
func NewLogger(zl zerolog.Logger) Logger {
	return Logger{zl: &zl}
}

func (l Logger) enabled() bool {
	return l.zl != nil
}

// recoveryStarted logs the start of journal recovery and returns a
// correlation id to tie together every event from the same recovery pass.
func (l Logger) recoveryStarted(name string, journalBytes uint64) string {
	id := uuid.NewString()

	if l.enabled() {
		l.zl.Info().
			Str("file", name).
			Str("recovery_id", id).
			Uint64("journal_bytes", journalBytes).
			Msg("pfs: journal recovery started")
	}

	return id
}

func (l Logger) recoveryRolledBack(recoveryID string, phys uint64) {
	if l.enabled() {
		l.zl.Warn().
			Str("recovery_id", recoveryID).
			Uint64("physical_block", phys).
			Msg("pfs: journal recovery restored preimage for uncommitted transaction")
	}
}

func (l Logger) recoveryFinished(recoveryID string, restored int) {
	if l.enabled() {
		l.zl.Info().
			Str("recovery_id", recoveryID).
			Int("blocks_restored", restored).
			Msg("pfs: journal recovery finished")
	}
}

func (l Logger) flushFailed(name string, err error) {
	if l.enabled() {
		l.zl.Error().Str("file", name).Err(err).Msg("pfs: flush failed")
	}
}

func (l Logger) cacheEvicted(name string, phys uint64) {
	if l.enabled() {
		l.zl.Debug().Str("file", name).Uint64("physical_block", phys).Msg("pfs: page cache evicted block")
	}
}
