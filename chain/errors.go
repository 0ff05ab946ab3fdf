package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// classifyTxError maps node errors returned before inclusion onto the error taxonomy.
// Nothing has been broadcast when these errors occur, so unknown failures are
// reported as retryable network errors.
func classifyTxError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if kind := interfaces.KindOf(err); kind != interfaces.KindInternal {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", interfaces.ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %v", interfaces.ErrTransactionReverted, err)
	default:
		return fmt.Errorf("%w: %v", interfaces.ErrNetwork, err)
	}
}
