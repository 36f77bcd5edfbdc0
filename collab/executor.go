package collab

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type BoardRefetchFunction = func(board *Board)

// implemented by the presence session. The executor bumps the beacon after
// every successful mutation so peers know to refetch. A nil beacon means
// editing continues locally only.
type BoardUpdateBeacon interface {
	SetBoardUpdated()
}

// the single choke point through which the live board is mutated.
//
// Side effects of a successful submission are strictly ordered:
// store mutation -> undo-log push -> refetch -> peer beacon. If the store
// call fails, the operation is treated as if it never started: no undo
// entry, no refetch, no beacon.
//
// Submissions are serialized: a new command does not begin before the
// previous command's full side-effect chain completes.
type CommandExecutor struct {
	ctx    context.Context
	cancel context.CancelFunc

	key BoardKey

	store BoardStore
	stack *UndoRedoStack

	executeLock sync.Mutex

	stateLock sync.Mutex
	version   *Version
	beacon    BoardUpdateBeacon

	refetchCallbacks *CallbackList[BoardRefetchFunction]
}

func NewCommandExecutor(
	ctx context.Context,
	key BoardKey,
	store BoardStore,
	stack *UndoRedoStack,
) *CommandExecutor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &CommandExecutor{
		ctx:              cancelCtx,
		cancel:           cancel,
		key:              key,
		store:            store,
		stack:            stack,
		refetchCallbacks: NewCallbackList[BoardRefetchFunction](),
	}
}

// pins the executor to a historical version (read only) or back to the
// live head (nil)
func (self *CommandExecutor) SetVersion(version *Version) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.version = version
}

func (self *CommandExecutor) Version() *Version {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version
}

func (self *CommandExecutor) SetBeacon(beacon BoardUpdateBeacon) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.beacon = beacon
}

func (self *CommandExecutor) AddRefetchCallback(refetchCallback BoardRefetchFunction) func() {
	callbackId := self.refetchCallbacks.Add(refetchCallback)
	return func() {
		self.refetchCallbacks.Remove(callbackId)
	}
}

func (self *CommandExecutor) UndoRedoStack() *UndoRedoStack {
	return self.stack
}

// refuses when a historical version is selected or no store is available.
// On refusal nothing is called and nothing changes.
func (self *CommandExecutor) guard() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.store == nil {
		return ErrBackendUnavailable
	}
	if self.version != nil {
		return ErrStaleVersion
	}
	return nil
}

// submits one command. append=true coalesces the confirmation into the
// current undo entry instead of starting a new one.
func (self *CommandExecutor) ExecuteCommand(ctx context.Context, command *Command, append_ bool) (*ExecutedCommand, error) {
	self.executeLock.Lock()
	defer self.executeLock.Unlock()

	if err := self.guard(); err != nil {
		return nil, err
	}

	executedCommands, err := self.store.ExecuteCommands(ctx, self.key, []*Command{command})
	if err != nil {
		glog.Infof("[exec]%s %s error = %s\n", self.key, command.CommandType, err)
		return nil, err
	}
	if len(executedCommands) != 1 {
		return nil, fmt.Errorf("store returned %d confirmations for 1 command", len(executedCommands))
	}
	executedCommand := executedCommands[0]
	glog.V(2).Infof("[exec]%s %s\n", self.key, command.CommandType)

	self.stack.Push(executedCommand, append_)
	self.refetch(ctx)
	self.boardUpdated()
	return executedCommand, nil
}

// same contract, atomic as a single undo/redo batch. No-op on an empty
// list.
func (self *CommandExecutor) ExecuteCommands(ctx context.Context, commands []*Command) ([]*ExecutedCommand, error) {
	if len(commands) == 0 {
		return []*ExecutedCommand{}, nil
	}

	self.executeLock.Lock()
	defer self.executeLock.Unlock()

	if err := self.guard(); err != nil {
		return nil, err
	}

	executedCommands, err := self.store.ExecuteCommands(ctx, self.key, commands)
	if err != nil {
		glog.Infof("[exec]%s batch(%d) error = %s\n", self.key, len(commands), err)
		return nil, err
	}
	glog.V(2).Infof("[exec]%s batch(%d)\n", self.key, len(commands))

	self.stack.PushMany(executedCommands)
	self.refetch(ctx)
	self.boardUpdated()
	return executedCommands, nil
}

// pops the most recent history entry and applies its inverse batch. An
// empty stack is a no-op, not an error. If the store rejects the inverse
// batch the entry is dropped from the history entirely; local history and
// server state may disagree until the next authoritative refetch.
func (self *CommandExecutor) Undo(ctx context.Context) ([]*ExecutedCommand, error) {
	self.executeLock.Lock()
	defer self.executeLock.Unlock()

	if err := self.guard(); err != nil {
		return nil, err
	}

	batch := self.stack.Undo()
	if batch == nil {
		return nil, nil
	}

	if err := self.store.Undo(ctx, self.key, batch); err != nil {
		glog.Infof("[exec]%s undo error = %s\n", self.key, err)
		self.stack.DiscardRedoTop()
		return nil, err
	}
	glog.V(2).Infof("[exec]%s undo(%d)\n", self.key, len(batch))

	self.refetch(ctx)
	self.boardUpdated()
	return batch, nil
}

func (self *CommandExecutor) Redo(ctx context.Context) ([]*ExecutedCommand, error) {
	self.executeLock.Lock()
	defer self.executeLock.Unlock()

	if err := self.guard(); err != nil {
		return nil, err
	}

	batch := self.stack.Redo()
	if batch == nil {
		return nil, nil
	}

	if err := self.store.Redo(ctx, self.key, batch); err != nil {
		glog.Infof("[exec]%s redo error = %s\n", self.key, err)
		self.stack.DiscardUndoTop()
		return nil, err
	}
	glog.V(2).Infof("[exec]%s redo(%d)\n", self.key, len(batch))

	self.refetch(ctx)
	self.boardUpdated()
	return batch, nil
}

// pulls the authoritative document so the local view matches server state.
// The refetch happens before the beacon is published, which is what gives
// a reacting peer at-least the writer's own change (read your writes for
// the writer, eventual convergence for everyone else).
func (self *CommandExecutor) refetch(ctx context.Context) {
	board, err := self.store.GetBoard(ctx, self.key, nil)
	if err != nil {
		glog.Infof("[exec]%s refetch error = %s\n", self.key, err)
		return
	}
	for _, refetchCallback := range self.refetchCallbacks.Get() {
		func() {
			defer recover()
			refetchCallback(board)
		}()
	}
}

func (self *CommandExecutor) boardUpdated() {
	self.stateLock.Lock()
	beacon := self.beacon
	self.stateLock.Unlock()

	if beacon != nil {
		beacon.SetBoardUpdated()
	}
}

func (self *CommandExecutor) Close() {
	self.cancel()
}
