package collab

import (
	"errors"
	"fmt"
)

// nothing in this package is fatal to an editing session. Every failure
// surfaces as one of these and the worst outcome is "this single action
// did not apply".

// a mutation was attempted while viewing a historical version. Only the
// live head is mutable.
var ErrStaleVersion = errors.New("board is pinned to a historical version and is read only")

// no store handle is available
var ErrBackendUnavailable = errors.New("no board store available")

var ErrSessionClosed = errors.New("presence session closed")

// the store refused to apply a command, e.g. a referential integrity
// violation or a concurrent structural change by a peer. The next
// authoritative refetch reconciles the local view.
type CommandRejectedError struct {
	Command *Command
	Err     error
}

func (self *CommandRejectedError) Error() string {
	return fmt.Sprintf("command %s rejected: %s", self.Command.CommandType, self.Err)
}

func (self *CommandRejectedError) Unwrap() error {
	return self.Err
}
