package collab

import (
	"context"
	"strings"

	"github.com/golang/glog"
)

// a small typed input abstraction so cursor broadcast and keyboard
// shortcuts can be driven and tested without a real display surface. The
// embedding UI forwards its native events into a dispatcher.

// pointer position in viewport space
type PointerEvent struct {
	X float64
	Y float64
}

type KeyEvent struct {
	Key   string
	Ctrl  bool
	Meta  bool
	Shift bool
}

func (self KeyEvent) Mod() bool {
	return self.Ctrl || self.Meta
}

type PointerEventFunction = func(event PointerEvent)
type KeyEventFunction = func(event KeyEvent)

type InputDispatcher struct {
	pointerCallbacks *CallbackList[PointerEventFunction]
	keyCallbacks     *CallbackList[KeyEventFunction]
}

func NewInputDispatcher() *InputDispatcher {
	return &InputDispatcher{
		pointerCallbacks: NewCallbackList[PointerEventFunction](),
		keyCallbacks:     NewCallbackList[KeyEventFunction](),
	}
}

func (self *InputDispatcher) SubscribePointer(pointerCallback PointerEventFunction) func() {
	callbackId := self.pointerCallbacks.Add(pointerCallback)
	return func() {
		self.pointerCallbacks.Remove(callbackId)
	}
}

func (self *InputDispatcher) SubscribeKey(keyCallback KeyEventFunction) func() {
	callbackId := self.keyCallbacks.Add(keyCallback)
	return func() {
		self.keyCallbacks.Remove(callbackId)
	}
}

func (self *InputDispatcher) DispatchPointer(event PointerEvent) {
	for _, pointerCallback := range self.pointerCallbacks.Get() {
		func() {
			defer recover()
			pointerCallback(event)
		}()
	}
}

func (self *InputDispatcher) DispatchKey(event KeyEvent) {
	for _, keyCallback := range self.keyCallbacks.Get() {
		func() {
			defer recover()
			keyCallback(event)
		}()
	}
}

// viewport pan/zoom at the moment of an event, used to convert pointer
// positions into document space before publishing
type ViewportTransform struct {
	OffsetX float64
	OffsetY float64
	Zoom    float64
}

func (self ViewportTransform) ToDocument(x float64, y float64) (float64, float64) {
	zoom := self.Zoom
	if zoom == 0 {
		zoom = 1
	}
	return (x - self.OffsetX) / zoom, (y - self.OffsetY) / zoom
}

// publishes the document-space cursor on every pointer move. Returns the
// unsubscribe.
func BindPresenceCursor(
	dispatcher *InputDispatcher,
	session *PresenceSession,
	transform func() ViewportTransform,
) func() {
	if session == nil {
		// offline, nothing to publish to
		return func() {}
	}
	return dispatcher.SubscribePointer(func(event PointerEvent) {
		x, y := transform().ToDocument(event.X, event.Y)
		session.SetCursor(x, y)
	})
}

// binds mod+z / mod+shift+z to undo / redo. Returns the unsubscribe.
func BindUndoRedoKeys(
	ctx context.Context,
	dispatcher *InputDispatcher,
	executor *CommandExecutor,
) func() {
	return dispatcher.SubscribeKey(func(event KeyEvent) {
		if !event.Mod() || strings.ToLower(event.Key) != "z" {
			return
		}
		var err error
		if event.Shift {
			_, err = executor.Redo(ctx)
		} else {
			_, err = executor.Undo(ctx)
		}
		if err != nil {
			glog.Infof("[input]undo/redo error = %s\n", err)
		}
	})
}
