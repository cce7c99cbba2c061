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

package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/alwitt/mqttgw/connection"
	"github.com/apex/log"
)

// ConnectionFactory define a new broker connection for a key
type ConnectionFactory func(
	key common.ConnectionKey, endpoint common.BrokerEndpoint,
) (*connection.BrokerConnection, error)

// ConnectionRegistry holds at most one broker connection per (user, broker) key
type ConnectionRegistry interface {
	/*
		GetOrCreate get the live connection of the key, or define and start a new one

		 @param key common.ConnectionKey - the (user, broker) pair
		 @param endpoint common.BrokerEndpoint - the broker record to connect with
		 @return the connection, whether it was created by this call, and the error
		 returned by its first Connect
	*/
	GetOrCreate(
		key common.ConnectionKey, endpoint common.BrokerEndpoint,
	) (*connection.BrokerConnection, bool, error)

	// Lookup get the connection of the key, live or not
	Lookup(key common.ConnectionKey) (*connection.BrokerConnection, bool)

	// Remove drop and disconnect the connection of the key
	Remove(key common.ConnectionKey) bool

	// RemoveUser drop and disconnect every connection of the user
	RemoveUser(userID string) []common.ConnectionKey

	// RemoveBroker drop and disconnect every connection to the broker
	RemoveBroker(brokerID string) []common.ConnectionKey

	// Keys list the keys currently held
	Keys() []common.ConnectionKey

	// CloseAll close every connection without reporting anything
	CloseAll()
}

// registryEntry is one held connection. starting marks a connection whose first
// Connect has not returned yet; it counts as live.
type registryEntry struct {
	conn     *connection.BrokerConnection
	starting bool
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	goutils.Component
	factory ConnectionFactory
	lock    sync.Mutex
	entries map[common.ConnectionKey]*registryEntry
}

// GetConnectionRegistry define a new connection registry
func GetConnectionRegistry(factory ConnectionFactory) (ConnectionRegistry, error) {
	if factory == nil {
		return nil, fmt.Errorf("no connection factory given")
	}
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry",
	}
	return &connectionRegistryImpl{
		Component: goutils.Component{LogTags: logTags},
		factory:   factory,
		entries:   make(map[common.ConnectionKey]*registryEntry),
	}, nil
}

func (r *connectionRegistryImpl) GetOrCreate(
	key common.ConnectionKey, endpoint common.BrokerEndpoint,
) (*connection.BrokerConnection, bool, error) {
	r.lock.Lock()
	if existing, ok := r.entries[key]; ok {
		if existing.starting || existing.conn.State() != connection.StateDisconnected {
			r.lock.Unlock()
			log.WithFields(r.LogTags).Debugf("Reusing live connection %s", key.String())
			return existing.conn, false, nil
		}
		// Stale: nothing from the old instance may reach the sessions
		log.WithFields(r.LogTags).Debugf("Replacing stale connection %s", key.String())
		existing.conn.Close()
		delete(r.entries, key)
	}
	conn, err := r.factory(key, endpoint)
	if err != nil {
		r.lock.Unlock()
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to define connection %s", key.String(),
		)
		return nil, false, err
	}
	entry := &registryEntry{conn: conn, starting: true}
	r.entries[key] = entry
	r.lock.Unlock()

	err = conn.Connect()

	r.lock.Lock()
	entry.starting = false
	r.lock.Unlock()
	return conn, true, err
}

func (r *connectionRegistryImpl) Lookup(
	key common.ConnectionKey,
) (*connection.BrokerConnection, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return entry.conn, true
}

func (r *connectionRegistryImpl) Remove(key common.ConnectionKey) bool {
	removed := r.detach(func(k common.ConnectionKey) bool { return k == key })
	return len(removed) > 0
}

func (r *connectionRegistryImpl) RemoveUser(userID string) []common.ConnectionKey {
	return r.detach(func(k common.ConnectionKey) bool { return k.UserID == userID })
}

func (r *connectionRegistryImpl) RemoveBroker(brokerID string) []common.ConnectionKey {
	return r.detach(func(k common.ConnectionKey) bool { return k.BrokerID == brokerID })
}

// detach drop the matching entries under the lock, then disconnect them outside of it
func (r *connectionRegistryImpl) detach(
	match func(common.ConnectionKey) bool,
) []common.ConnectionKey {
	r.lock.Lock()
	removed := []*connection.BrokerConnection{}
	keys := []common.ConnectionKey{}
	for key, entry := range r.entries {
		if match(key) {
			removed = append(removed, entry.conn)
			keys = append(keys, key)
			delete(r.entries, key)
		}
	}
	r.lock.Unlock()

	for _, conn := range removed {
		conn.Disconnect()
	}
	if len(keys) > 0 {
		log.WithFields(r.LogTags).Debugf("Removed %d connections", len(keys))
	}
	sortKeys(keys)
	return keys
}

func (r *connectionRegistryImpl) Keys() []common.ConnectionKey {
	r.lock.Lock()
	keys := make([]common.ConnectionKey, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.lock.Unlock()
	sortKeys(keys)
	return keys
}

func (r *connectionRegistryImpl) CloseAll() {
	r.lock.Lock()
	removed := make([]*connection.BrokerConnection, 0, len(r.entries))
	for key, entry := range r.entries {
		removed = append(removed, entry.conn)
		delete(r.entries, key)
	}
	r.lock.Unlock()
	for _, conn := range removed {
		conn.Close()
	}
	log.WithFields(r.LogTags).Infof("Closed %d connections", len(removed))
}

func sortKeys(keys []common.ConnectionKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].UserID != keys[j].UserID {
			return keys[i].UserID < keys[j].UserID
		}
		return keys[i].BrokerID < keys[j].BrokerID
	})
}
