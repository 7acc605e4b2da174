/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ledgercache

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber receives every balance change of the account it subscribed to.
type Subscriber func(balance int64)

type subscriber struct {
	fn Subscriber
}

// Subscribe registers fn for accountID and returns a function that removes
// it. When a balance is already known fn is called with it before Subscribe
// returns. Subscribers are called in registration order, synchronously, and
// a panicking subscriber does not stop delivery to the others.
//
// Changes of one account reach its subscribers in the order they were made.
// A subscriber must not change the balance of the account it is notified
// for, nor subscribe to it, from inside the callback.
func (c *Cache) Subscribe(accountID string, fn Subscriber) (unsubscribe func()) {
	s := &subscriber{fn: fn}

	d := c.deliveryLock(accountID)
	d.Lock()
	defer d.Unlock()

	c.mu.Lock()
	c.subscribers[accountID] = append(c.subscribers[accountID], s)
	e, known := c.entries[accountID]
	var current int64
	if known {
		current = e.value
	}
	c.mu.Unlock()

	if known {
		notify(accountID, []*subscriber{s}, current)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.unsubscribe(accountID, s)
		})
	}
}

func (c *Cache) unsubscribe(accountID string, s *subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	subs := c.subscribers[accountID]
	for i, existing := range subs {
		if existing == s {
			kept := make([]*subscriber, 0, len(subs)-1)
			kept = append(kept, subs[:i]...)
			kept = append(kept, subs[i+1:]...)
			subs = kept
			break
		}
	}
	if len(subs) == 0 {
		delete(c.subscribers, accountID)
		return
	}
	c.subscribers[accountID] = subs
}

// SubscriberCount reports how many subscribers accountID has.
func (c *Cache) SubscriberCount(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers[accountID])
}

// subscribersLocked returns the current list. The slice is never mutated in
// place, so it is safe to range over after unlocking.
func (c *Cache) subscribersLocked(accountID string) []*subscriber {
	return c.subscribers[accountID]
}

func notify(accountID string, subs []*subscriber, balance int64) {
	for _, s := range subs {
		deliver(accountID, s, balance)
	}
}

func deliver(accountID string, s *subscriber, balance int64) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"panic":      r,
			}).Error("balance subscriber panicked")
		}
	}()
	s.fn(balance)
}
