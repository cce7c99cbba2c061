// Copyright 2021-2022 The mqttgw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"fmt"
	"sync"

	"github.com/alwitt/mqttgw/common"
)

// messageRing is a fixed capacity FIFO. Once full, each append drops the oldest entry.
type messageRing struct {
	entries []common.MQTTMessage
	// next is the slot the next append writes
	next  int
	count int
}

func newMessageRing(capacity int) *messageRing {
	return &messageRing{entries: make([]common.MQTTMessage, capacity)}
}

func (r *messageRing) append(msg common.MQTTMessage) {
	r.entries[r.next] = msg
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

// newest the last limit entries, oldest first
func (r *messageRing) newest(limit int) []common.MQTTMessage {
	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	result := make([]common.MQTTMessage, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.entries)
	}
	for itr := 0; itr < limit; itr++ {
		result = append(result, r.entries[(start+itr)%len(r.entries)])
	}
	return result
}

// MessageBuffer keeps the most recent messages relayed to each user
type MessageBuffer interface {
	// Append record a message relayed to the user
	Append(userID string, msg common.MQTTMessage)

	/*
		Recent fetch the most recent messages of the user, oldest first

		 @param userID string - the user
		 @param brokerID string - only messages of this broker, if not empty
		 @param limit int - at most this many messages; 0 for all
	*/
	Recent(userID string, brokerID string, limit int) []common.MQTTMessage

	// DropUser forget the messages of the user
	DropUser(userID string)
}

// messageBufferImpl implements MessageBuffer
type messageBufferImpl struct {
	capacity int
	lock     sync.Mutex
	rings    map[string]*messageRing
}

// GetMessageBuffer define a message buffer keeping capacity messages per user
func GetMessageBuffer(capacity int) (MessageBuffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("message buffer capacity must be at least 1")
	}
	return &messageBufferImpl{capacity: capacity, rings: make(map[string]*messageRing)}, nil
}

func (b *messageBufferImpl) Append(userID string, msg common.MQTTMessage) {
	b.lock.Lock()
	defer b.lock.Unlock()
	ring, ok := b.rings[userID]
	if !ok {
		ring = newMessageRing(b.capacity)
		b.rings[userID] = ring
	}
	ring.append(msg)
}

func (b *messageBufferImpl) Recent(
	userID string, brokerID string, limit int,
) []common.MQTTMessage {
	b.lock.Lock()
	defer b.lock.Unlock()
	ring, ok := b.rings[userID]
	if !ok {
		return []common.MQTTMessage{}
	}
	if brokerID == "" {
		return ring.newest(limit)
	}
	all := ring.newest(0)
	filtered := []common.MQTTMessage{}
	for _, msg := range all {
		if msg.BrokerID == brokerID {
			filtered = append(filtered, msg)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered
}

func (b *messageBufferImpl) DropUser(userID string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.rings, userID)
}
