package collab

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"
)

// makes a copy of the list on update, so that `Get` can be iterated
// without holding the lock
type CallbackList[T any] struct {
	mutex       sync.Mutex
	callbackIds []int
	callbacks   map[int]T
	nextId      int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	for i, id := range self.callbackIds {
		if id == callbackId {
			self.callbackIds = append(self.callbackIds[0:i], self.callbackIds[i+1:]...)
			break
		}
	}
}

// level-triggered notification. Waiters select on `NotifyChannel` and
// re-arm after waking. Multiple `NotifyAll` calls between wakes collapse
// into one wake.
type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// reconnect backoff window. A new `Reconnect` is armed before each attempt,
// and `After` fires when the next attempt may start. The timeout is spread
// uniformly to avoid thundering herds of clients reconnecting in sync.
type Reconnect struct {
	timeout time.Duration
	after   <-chan time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	spread := time.Duration(rand.Int63n(int64(timeout) / 2))
	return &Reconnect{
		timeout: timeout,
		after:   time.After(timeout/2 + spread),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	return self.after
}

// context wrapper that can end on os signals, used by ctl mains
type Event struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewEventWithContext(ctx context.Context) *Event {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Event{
		ctx:    cancelCtx,
		cancel: cancel,
	}
}

func (self *Event) Ctx() context.Context {
	return self.ctx
}

func (self *Event) SetOnSignals(signals ...os.Signal) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, signals...)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			self.cancel()
		case <-self.ctx.Done():
		}
	}()
}

func (self *Event) WaitForExit() {
	<-self.ctx.Done()
}
