// Package deferlock provides a mutex that runs queued actions once it has been released.
package deferlock

import (
	"github.com/anacrolix/sync"
)

// Mutex runs deferred actions after Unlock releases the lock, in the order they were deferred.
// Actions are for side effects that must not happen under the lock, like calling out to
// collaborators that may call back in.
type Mutex struct {
	internal      sync.Mutex
	unlockActions []func()
}

func (me *Mutex) Lock() {
	me.internal.Lock()
}

func (me *Mutex) Unlock() {
	actions := me.unlockActions
	me.unlockActions = nil
	me.internal.Unlock()
	for _, a := range actions {
		a()
	}
}

// Defer must be called with the lock held.
func (me *Mutex) Defer(action func()) {
	if action == nil {
		panic("nil deferred action")
	}
	me.unlockActions = append(me.unlockActions, action)
}
