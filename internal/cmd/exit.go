package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"
)

// exitError wraps err with message and code, folding a foundry exit code
// into the error cobra prints, so main can still treat the command as
// having failed without a second return path.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// ExitWithCode logs message/err at error level and terminates the process
// with code immediately, bypassing cobra's error-reporting path.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	}
	os.Exit(code)
}

// invalidArgument, externalServiceUnavailable and fileWriteError are the foundry codes
// whirr's own commands reach for; kept as local names so callers don't
// need to remember the foundry.Exit* spelling throughout cmd.
const (
	invalidArgument           = foundry.ExitInvalidArgument
	externalServiceUnavailable = foundry.ExitExternalServiceUnavailable
	fileWriteError             = foundry.ExitFileWriteError
)
