package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestViewportTransform(t *testing.T) {
	transform := ViewportTransform{
		OffsetX: 100,
		OffsetY: 50,
		Zoom:    2,
	}
	x, y := transform.ToDocument(300, 250)
	assert.Equal(t, x, float64(100))
	assert.Equal(t, y, float64(100))

	// zero zoom treated as identity scale
	transform = ViewportTransform{}
	x, y = transform.ToDocument(300, 250)
	assert.Equal(t, x, float64(300))
	assert.Equal(t, y, float64(250))
}

func TestDispatcherSubscribe(t *testing.T) {
	dispatcher := NewInputDispatcher()

	pointerEvents := []PointerEvent{}
	unsubscribe := dispatcher.SubscribePointer(func(event PointerEvent) {
		pointerEvents = append(pointerEvents, event)
	})

	dispatcher.DispatchPointer(PointerEvent{X: 1, Y: 2})
	assert.Equal(t, len(pointerEvents), 1)
	assert.Equal(t, pointerEvents[0].X, float64(1))

	unsubscribe()
	dispatcher.DispatchPointer(PointerEvent{X: 3, Y: 4})
	assert.Equal(t, len(pointerEvents), 1)

	// a panicking callback does not break dispatch
	dispatcher.SubscribeKey(func(event KeyEvent) {
		panic("boom")
	})
	keyEvents := []KeyEvent{}
	dispatcher.SubscribeKey(func(event KeyEvent) {
		keyEvents = append(keyEvents, event)
	})
	dispatcher.DispatchKey(KeyEvent{Key: "a"})
	assert.Equal(t, len(keyEvents), 1)
}

func TestKeyEventMod(t *testing.T) {
	assert.Equal(t, KeyEvent{Key: "z", Ctrl: true}.Mod(), true)
	assert.Equal(t, KeyEvent{Key: "z", Meta: true}.Mod(), true)
	assert.Equal(t, KeyEvent{Key: "z"}.Mod(), false)
}

func TestBindUndoRedoKeys(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memory, key := newTestStore()
	executor := NewCommandExecutor(ctx, key, memory, NewUndoRedoStack(key))
	defer executor.Close()

	dispatcher := NewInputDispatcher()
	unsubscribe := BindUndoRedoKeys(ctx, dispatcher, executor)
	defer unsubscribe()

	_, err := executor.ExecuteCommand(ctx, NewMoveNodeCommand("n1", [3]float64{1, 1, 0}, RootLayerPath), false)
	assert.Equal(t, err, nil)

	// mod+z undoes
	dispatcher.DispatchKey(KeyEvent{Key: "z", Ctrl: true})
	board, err := memory.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, board.Nodes["n1"].Coordinates, [3]float64{0, 0, 0})

	// mod+shift+z redoes
	dispatcher.DispatchKey(KeyEvent{Key: "Z", Meta: true, Shift: true})
	board, err = memory.GetBoard(ctx, key, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, board.Nodes["n1"].Coordinates, [3]float64{1, 1, 0})

	// z without a modifier does nothing
	dispatcher.DispatchKey(KeyEvent{Key: "z"})
	undoDepth, redoDepth := executor.UndoRedoStack().Depths()
	assert.Equal(t, undoDepth, 1)
	assert.Equal(t, redoDepth, 0)
}

func TestBindPresenceCursorOffline(t *testing.T) {
	dispatcher := NewInputDispatcher()

	// nil session (offline) binds to nothing
	unsubscribe := BindPresenceCursor(dispatcher, nil, func() ViewportTransform {
		return ViewportTransform{}
	})
	dispatcher.DispatchPointer(PointerEvent{X: 1, Y: 2})
	unsubscribe()
}

func TestBindPresenceCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := NewBoardKey("app1", "board1")
	session := NewPresenceSessionWithDefaults(ctx, "ws://127.0.0.1:1", key, &PresenceIdentity{})
	defer session.Close()

	dispatcher := NewInputDispatcher()
	unsubscribe := BindPresenceCursor(dispatcher, session, func() ViewportTransform {
		return ViewportTransform{OffsetX: 10, OffsetY: 10, Zoom: 1}
	})
	defer unsubscribe()

	dispatcher.DispatchPointer(PointerEvent{X: 110, Y: 60})

	// the published cursor is in document space
	state := session.fullLocalState()
	assert.Equal(t, state.Cursor.X, float64(100))
	assert.Equal(t, state.Cursor.Y, float64(50))
}
