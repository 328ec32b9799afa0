// Copyright 2016 The BitcoinArmory Developers. All rights reserved.
// Use of this source code is governed by an MIT
// license that can be found in the LICENSE file.

package p2p

import (
	"errors"
	"sync"
	"time"
)

// errWaitTimeout reports that a timed wait on a oneShot expired before
// the value was set.
var errWaitTimeout = errors.New("wait timed out")

// oneShot is a single-fire completion signal: one fulfiller, any number
// of waiters. A second fulfill is a no-op.
type oneShot[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newOneShot[T any]() *oneShot[T] {
	return &oneShot[T]{
		done: make(chan struct{}),
	}
}

// fulfill sets the value or error and wakes every waiter. Only the first
// call has any effect.
func (o *oneShot[T]) fulfill(val T, err error) {
	o.once.Do(func() {
		o.val = val
		o.err = err
		close(o.done)
	})
}

// wait blocks until the signal fires, or until timeout expires. A zero
// timeout waits forever.
func (o *oneShot[T]) wait(timeout time.Duration) (T, error) {
	if timeout == 0 {
		<-o.done
		return o.val, o.err
	}

	select {
	case <-o.done:
		return o.val, o.err

	case <-time.After(timeout):
		var zero T
		return zero, errWaitTimeout
	}
}
