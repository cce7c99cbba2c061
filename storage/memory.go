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

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// memoryBrokerStore keeps the broker records in process memory
type memoryBrokerStore struct {
	goutils.Component
	lock    sync.RWMutex
	brokers map[string]common.BrokerEndpoint
}

// GetMemoryBrokerStore define an in-memory broker store
func GetMemoryBrokerStore() BrokerStore {
	logTags := log.Fields{"module": "storage", "component": "memory"}
	return &memoryBrokerStore{
		Component: goutils.Component{LogTags: logTags},
		brokers:   make(map[string]common.BrokerEndpoint),
	}
}

func (s *memoryBrokerStore) sorted(match func(common.BrokerEndpoint) bool) []common.BrokerEndpoint {
	result := []common.BrokerEndpoint{}
	for _, broker := range s.brokers {
		if match(broker) {
			result = append(result, broker)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (s *memoryBrokerStore) FindBrokersForUser(
	_ context.Context, userID string,
) ([]common.BrokerEndpoint, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.sorted(func(b common.BrokerEndpoint) bool { return b.AccessibleBy(userID) }), nil
}

func (s *memoryBrokerStore) FindBrokerByID(
	_ context.Context, brokerID string,
) (common.BrokerEndpoint, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	broker, ok := s.brokers[brokerID]
	if !ok {
		return common.BrokerEndpoint{}, brokerNotFound(brokerID)
	}
	return broker, nil
}

func (s *memoryBrokerStore) UpdateStatus(
	_ context.Context, brokerID string, update StatusUpdate,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	broker, ok := s.brokers[brokerID]
	if !ok {
		return brokerNotFound(brokerID)
	}
	broker.Status = update.Status
	broker.LastError = update.LastError
	if update.ConnectedAt != nil {
		connectedAt := *update.ConnectedAt
		broker.ConnectedAt = &connectedAt
	}
	s.brokers[brokerID] = broker
	return nil
}

func (s *memoryBrokerStore) CreateBroker(
	_ context.Context, endpoint common.BrokerEndpoint,
) (common.BrokerEndpoint, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	endpoint.ID = uuid.NewString()
	endpoint.CreatedAt = time.Now().UTC()
	endpoint.Status = initialStatus
	endpoint.LastError = ""
	endpoint.ConnectedAt = nil
	s.brokers[endpoint.ID] = endpoint
	log.WithFields(s.LogTags).Debugf("Created broker %s (%s)", endpoint.ID, endpoint.Address())
	return endpoint, nil
}

func (s *memoryBrokerStore) ListBrokers(_ context.Context) ([]common.BrokerEndpoint, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.sorted(func(common.BrokerEndpoint) bool { return true }), nil
}

func (s *memoryBrokerStore) DeleteBroker(
	_ context.Context, brokerID string,
) (common.BrokerEndpoint, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	broker, ok := s.brokers[brokerID]
	if !ok {
		return common.BrokerEndpoint{}, brokerNotFound(brokerID)
	}
	delete(s.brokers, brokerID)
	return broker, nil
}

func (s *memoryBrokerStore) AssignBroker(
	_ context.Context, brokerID string, userID string,
) (Assignment, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	broker, ok := s.brokers[brokerID]
	if !ok {
		return Assignment{}, brokerNotFound(brokerID)
	}
	result := Assignment{PreviousAssignee: broker.AssignedUserID}
	if userID != "" {
		for otherID, other := range s.brokers {
			if otherID == brokerID || other.AssignedUserID != userID {
				continue
			}
			other.AssignedUserID = ""
			s.brokers[otherID] = other
			result.ReleasedBrokerIDs = append(result.ReleasedBrokerIDs, otherID)
		}
	}
	broker.AssignedUserID = userID
	s.brokers[brokerID] = broker
	return result, nil
}

func (s *memoryBrokerStore) Ready(context.Context) error {
	return nil
}

func (s *memoryBrokerStore) Close() error {
	return nil
}
