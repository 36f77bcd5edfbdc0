package collab

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
)

// per-board linear history. One entry is a batch of executed commands that
// undo and redo together. The stack is exclusively owned by the single
// board-viewing session; it is never shared across sessions.
//
// Standard linear-undo semantics: pushing any new entry discards the redo
// side stack.
type UndoRedoStack struct {
	key BoardKey

	stateLock sync.Mutex
	undoStack [][]*ExecutedCommand
	redoStack [][]*ExecutedCommand

	// optional persistence, nil for a purely in-memory stack
	store *UndoRedoStore
}

func NewUndoRedoStack(key BoardKey) *UndoRedoStack {
	return &UndoRedoStack{
		key:       key,
		undoStack: [][]*ExecutedCommand{},
		redoStack: [][]*ExecutedCommand{},
	}
}

// append=false starts a new entry. append=true merges into the most recent
// entry, used for continuous gestures like drag where every intermediate
// position would otherwise spam the stack.
func (self *UndoRedoStack) Push(executedCommand *ExecutedCommand, append_ bool) {
	self.stateLock.Lock()
	if append_ && 0 < len(self.undoStack) {
		i := len(self.undoStack) - 1
		self.undoStack[i] = append(self.undoStack[i], executedCommand)
	} else {
		self.undoStack = append(self.undoStack, []*ExecutedCommand{executedCommand})
	}
	self.redoStack = [][]*ExecutedCommand{}
	self.stateLock.Unlock()

	self.save()
}

// records a list of executed commands as a single atomic entry
func (self *UndoRedoStack) PushMany(executedCommands []*ExecutedCommand) {
	if len(executedCommands) == 0 {
		return
	}

	self.stateLock.Lock()
	batch := make([]*ExecutedCommand, len(executedCommands))
	copy(batch, executedCommands)
	self.undoStack = append(self.undoStack, batch)
	self.redoStack = [][]*ExecutedCommand{}
	self.stateLock.Unlock()

	self.save()
}

// pops the most recent entry for inverse-application by the caller and
// moves it to the redo side stack. Returns nil on an empty stack, which is
// a no-op and not an error.
func (self *UndoRedoStack) Undo() []*ExecutedCommand {
	self.stateLock.Lock()
	if len(self.undoStack) == 0 {
		self.stateLock.Unlock()
		return nil
	}
	i := len(self.undoStack) - 1
	batch := self.undoStack[i]
	self.undoStack = self.undoStack[:i]
	self.redoStack = append(self.redoStack, batch)
	self.stateLock.Unlock()

	self.save()
	return batch
}

// symmetric pop from the redo side stack back onto the undo stack
func (self *UndoRedoStack) Redo() []*ExecutedCommand {
	self.stateLock.Lock()
	if len(self.redoStack) == 0 {
		self.stateLock.Unlock()
		return nil
	}
	i := len(self.redoStack) - 1
	batch := self.redoStack[i]
	self.redoStack = self.redoStack[:i]
	self.undoStack = append(self.undoStack, batch)
	self.stateLock.Unlock()

	self.save()
	return batch
}

// drops the entry most recently moved to the redo stack. Called when the
// store rejected the inverse batch: the local history no longer reflects
// server truth, and the next authoritative refetch is the recovery path.
func (self *UndoRedoStack) DiscardRedoTop() {
	self.stateLock.Lock()
	if 0 < len(self.redoStack) {
		self.redoStack = self.redoStack[:len(self.redoStack)-1]
	}
	self.stateLock.Unlock()

	self.save()
}

// drops the entry most recently moved back to the undo stack, the redo
// counterpart of DiscardRedoTop
func (self *UndoRedoStack) DiscardUndoTop() {
	self.stateLock.Lock()
	if 0 < len(self.undoStack) {
		self.undoStack = self.undoStack[:len(self.undoStack)-1]
	}
	self.stateLock.Unlock()

	self.save()
}

func (self *UndoRedoStack) Depths() (undoDepth int, redoDepth int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.undoStack), len(self.redoStack)
}

func (self *UndoRedoStack) Clear() {
	self.stateLock.Lock()
	self.undoStack = [][]*ExecutedCommand{}
	self.redoStack = [][]*ExecutedCommand{}
	self.stateLock.Unlock()

	self.save()
}

func (self *UndoRedoStack) save() {
	if self.store != nil {
		self.store.save(self)
	}
}

// serialized form of a stack
type undoRedoState struct {
	UndoStack [][]*ExecutedCommand `json:"undo_stack"`
	RedoStack [][]*ExecutedCommand `json:"redo_stack"`
}

// embedded persistence for undo histories, keyed `undo/{appId}/{boardId}`.
// Save failures are logged and dropped: the history is a convenience, the
// board itself lives in the authoritative store.
type UndoRedoStore struct {
	db *badger.DB
}

func NewUndoRedoStore(path string) (*UndoRedoStore, error) {
	options := badger.DefaultOptions(path)
	options.Logger = nil
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &UndoRedoStore{
		db: db,
	}, nil
}

// no disk persistence, for tests
func NewUndoRedoStoreInMemory() (*UndoRedoStore, error) {
	options := badger.DefaultOptions("").WithInMemory(true)
	options.Logger = nil
	db, err := badger.Open(options)
	if err != nil {
		return nil, err
	}
	return &UndoRedoStore{
		db: db,
	}, nil
}

func (self *UndoRedoStore) OpenStack(key BoardKey) *UndoRedoStack {
	stack := NewUndoRedoStack(key)
	stack.store = self

	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(undoRedoKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			state := &undoRedoState{}
			if err := json.Unmarshal(value, state); err != nil {
				return err
			}
			if state.UndoStack != nil {
				stack.undoStack = state.UndoStack
			}
			if state.RedoStack != nil {
				stack.redoStack = state.RedoStack
			}
			return nil
		})
	})
	if err != nil && err != badger.ErrKeyNotFound {
		glog.Infof("[undo]%s restore error = %s\n", key, err)
	}

	return stack
}

func (self *UndoRedoStore) save(stack *UndoRedoStack) {
	stack.stateLock.Lock()
	state := &undoRedoState{
		UndoStack: stack.undoStack,
		RedoStack: stack.redoStack,
	}
	stateJson, err := json.Marshal(state)
	stack.stateLock.Unlock()
	if err != nil {
		glog.Infof("[undo]%s save error = %s\n", stack.key, err)
		return
	}

	err = self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(undoRedoKey(stack.key), stateJson)
	})
	if err != nil {
		glog.Infof("[undo]%s save error = %s\n", stack.key, err)
	}
}

func (self *UndoRedoStore) Close() error {
	return self.db.Close()
}

func undoRedoKey(key BoardKey) []byte {
	return []byte(fmt.Sprintf("undo/%s/%s", key.AppId, key.BoardId))
}
