package collab

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"
)

// wraps a store and records the call order together with beacon bumps
type recordingStore struct {
	inner BoardStore

	mutex sync.Mutex
	calls []string

	failUndo bool
	failRedo bool
}

func newRecordingStore(inner BoardStore) *recordingStore {
	return &recordingStore{
		inner: inner,
	}
}

func (self *recordingStore) record(call string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.calls = append(self.calls, call)
}

func (self *recordingStore) Calls() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	calls := make([]string, len(self.calls))
	copy(calls, self.calls)
	return calls
}

func (self *recordingStore) GetBoard(ctx context.Context, key BoardKey, version *Version) (*Board, error) {
	self.record("get")
	return self.inner.GetBoard(ctx, key, version)
}

func (self *recordingStore) ExecuteCommands(ctx context.Context, key BoardKey, commands []*Command) ([]*ExecutedCommand, error) {
	self.record("execute")
	return self.inner.ExecuteCommands(ctx, key, commands)
}

func (self *recordingStore) Undo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	self.record("undo")
	if self.failUndo {
		return errors.New("undo refused")
	}
	return self.inner.Undo(ctx, key, batch)
}

func (self *recordingStore) Redo(ctx context.Context, key BoardKey, batch []*ExecutedCommand) error {
	self.record("redo")
	if self.failRedo {
		return errors.New("redo refused")
	}
	return self.inner.Redo(ctx, key, batch)
}

func (self *recordingStore) CreateVersion(ctx context.Context, key BoardKey) (Version, error) {
	self.record("create_version")
	return self.inner.CreateVersion(ctx, key)
}

func (self *recordingStore) ListVersions(ctx context.Context, key BoardKey) ([]Version, error) {
	self.record("list_versions")
	return self.inner.ListVersions(ctx, key)
}

type recordingBeacon struct {
	store *recordingStore
}

func (self *recordingBeacon) SetBoardUpdated() {
	self.store.record("beacon")
}

func newTestExecutor(ctx context.Context) (*CommandExecutor, *recordingStore, BoardKey) {
	memory, key := newTestStore()
	store := newRecordingStore(memory)
	stack := NewUndoRedoStack(key)
	executor := NewCommandExecutor(ctx, key, store, stack)
	executor.SetBeacon(&recordingBeacon{store: store})
	return executor, store, key
}

func TestExecutorSideEffectOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, _ := newTestExecutor(ctx)
	defer executor.Close()

	boards := []*Board{}
	executor.AddRefetchCallback(func(board *Board) {
		boards = append(boards, board)
	})

	_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, nil)

	// store mutation, then refetch, then beacon
	assert.Equal(t, store.Calls(), []string{"execute", "get", "beacon"})
	assert.Equal(t, len(boards), 1)
	assert.Equal(t, boards[0].Nodes["n1"].Coordinates, [3]float64{1, 1, 0})

	undoDepth, redoDepth := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 1)
	assert.Equal(t, redoDepth, 0)
}

func TestExecutorVersionGuard(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, _ := newTestExecutor(ctx)
	defer executor.Close()

	version := NewVersion(0, 0, 1)
	executor.SetVersion(&version)

	// a refused submission never reaches the store, the history, or the beacon
	_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, ErrStaleVersion)

	_, err = executor.ExecuteCommands(ctx, []*Command{
		NewMoveNodeCommand("n1", [3]float64{2, 2, 0}, RootLayerPath),
	})
	assert.Equal(t, err, ErrStaleVersion)

	_, err = executor.Undo(ctx)
	assert.Equal(t, err, ErrStaleVersion)
	_, err = executor.Redo(ctx)
	assert.Equal(t, err, ErrStaleVersion)

	assert.Equal(t, len(store.Calls()), 0)
	undoDepth, redoDepth := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 0)
	assert.Equal(t, redoDepth, 0)

	// back to the live head
	executor.SetVersion(nil)
	_, err = executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, nil)
}

func TestExecutorUndoRedo(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, key := newTestExecutor(ctx)
	defer executor.Close()

	initial, err := store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)

	_, err = executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, nil)
	_, err = executor.ExecuteCommand(ctx, NewUpsertCommentCommand(&Comment{Id: "c1", Content: "note"}), false)
	assert.Equal(t, err, nil)

	batch, err := executor.Undo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(batch), 1)

	board, err := store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)
	_, ok := board.Comments["c1"]
	assert.Equal(t, ok, false)
	assert.Equal(t, board.Nodes["n1"].Coordinates, [3]float64{1, 1, 0})

	batch, err = executor.Undo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(batch), 1)

	board, err = store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, board.StructurallyEquals(initial), true)

	// empty stack is a no-op, not an error
	batch, err = executor.Undo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, batch, nil)

	batch, err = executor.Redo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(batch), 1)

	board, err = store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, board.Nodes["n1"].Coordinates, [3]float64{1, 1, 0})
}

func TestExecutorAppendCoalescesDrag(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, key := newTestExecutor(ctx)
	defer executor.Close()

	initial, err := store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)

	// a drag gesture: the first sample starts the entry, the rest append
	coordinates := [][3]float64{
		{1, 0, 0},
		{2, 0, 0},
		{3, 0, 0},
		{4, 0, 0},
	}
	for i, c := range coordinates {
		_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", c, RootLayerPath), 0 < i)
		assert.Equal(t, err, nil)
	}

	undoDepth, _ := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 1)

	// one undo reverts the whole gesture
	batch, err := executor.Undo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(batch), 4)

	board, err := store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, board.StructurallyEquals(initial), true)
}

func TestExecutorBatchAtomicity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, key := newTestExecutor(ctx)
	defer executor.Close()

	initial, err := store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)

	_, err = executor.ExecuteCommands(ctx, []*Command{
		NewUpsertCommentCommand(&Comment{Id: "c1", Content: "a"}),
		NewUpsertVariableCommand(&Variable{Id: "v1", Name: "count", DataType: "Integer"}),
	})
	assert.Equal(t, err, nil)

	undoDepth, _ := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 1)

	batch, err := executor.Undo(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(batch), 2)

	board, err := store.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, board.StructurallyEquals(initial), true)
}

func TestExecutorEmptyBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, _ := newTestExecutor(ctx)
	defer executor.Close()

	executedCommands, err := executor.ExecuteCommands(ctx, []*Command{})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(executedCommands), 0)

	// nothing touched
	assert.Equal(t, len(store.Calls()), 0)
	undoDepth, _ := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 0)
}

func TestExecutorStoreRejection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, _ := newTestExecutor(ctx)
	defer executor.Close()

	// a rejected submission leaves no history entry and bumps no beacon
	_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("bogus", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, store.Calls(), []string{"execute"})
	undoDepth, redoDepth := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 0)
	assert.Equal(t, redoDepth, 0)
}

func TestExecutorUndoRejectionDropsEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, _ := newTestExecutor(ctx)
	defer executor.Close()

	_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, nil)

	store.failUndo = true
	_, err = executor.Undo(ctx)
	assert.NotEqual(t, err, nil)

	// the popped entry is dropped entirely, the next authoritative refetch
	// reconciles any disagreement
	undoDepth, redoDepth := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 0)
	assert.Equal(t, redoDepth, 0)
}

func TestExecutorRedoRejectionDropsEntry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	executor, store, _ := newTestExecutor(ctx)
	defer executor.Close()

	_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, nil)
	_, err = executor.Undo(ctx)
	assert.Equal(t, err, nil)

	store.failRedo = true
	_, err = executor.Redo(ctx)
	assert.NotEqual(t, err, nil)

	undoDepth, redoDepth := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 0)
	assert.Equal(t, redoDepth, 0)
}

func TestExecutorNoStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := NewBoardKey("app1", "board1")
	executor := NewCommandExecutor(ctx, key, nil, NewUndoRedoStack(key))
	defer executor.Close()

	_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, ErrBackendUnavailable)
}
