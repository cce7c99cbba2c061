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

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/mqttgw/common"
	"github.com/apex/log"
)

// Event names sent to sessions
const (
	EventMQTTStatus     = "mqtt_status"
	EventMQTTMessage    = "mqtt_message"
	EventSubscribed     = "subscribed"
	EventPublished      = "published"
	EventError          = "error"
	EventBrokerDeleted  = "broker_deleted"
	EventSessionEvicted = "session_evicted"
)

// Event is one frame sent to a session
type Event struct {
	Name string      `json:"event"`
	Data interface{} `json:"data"`
}

// Session is one real-time connection of an authenticated user
type Session interface {
	// ID the session ID
	ID() string
	// UserID the user owning the session
	UserID() string
	// Send deliver an event. Must respect the context deadline.
	Send(ctxt context.Context, evt Event) error
	// Close terminate the session
	Close(reason string) error
}

// GraceHandler is called when a user stayed without sessions for the grace window
type GraceHandler func(userID string)

// RouterParams are the operating parameters of the router
type RouterParams struct {
	// MaxPerUser is the session cap per user
	MaxPerUser int
	// GraceWindow is how long a user may stay without sessions before teardown
	GraceWindow time.Duration
	// SendTimeout bounds one send to one session
	SendTimeout time.Duration
}

// Router tracks the sessions of each user, and fans events out to them
type Router interface {
	/*
		Join register a new session. Past the per user cap the oldest session of the user
		is evicted. A pending grace window of the user is cancelled.

		 @param ctxt context.Context - context for the eviction notice
		 @param sess Session - the new session
	*/
	Join(ctxt context.Context, sess Session) error

	/*
		Leave unregister a session. When the user has no more sessions, the grace window
		starts.

		 @param userID string - the user
		 @param sessionID string - the session
		 @return whether the session was registered
	*/
	Leave(userID, sessionID string) bool

	/*
		Emit send an event to every session of the user

		 @param ctxt context.Context - context for the send
		 @param userID string - the user
		 @param name string - event name
		 @param payload interface{} - event data
		 @return the number of sessions reached
	*/
	Emit(ctxt context.Context, userID string, name string, payload interface{}) int

	// IsLive whether the user has at least one session
	IsLive(userID string) bool

	// SessionCount number of sessions of the user
	SessionCount(userID string) int

	// TotalSessions number of sessions of all users
	TotalSessions() int

	// DropUser close every session of the user. The grace handler is not called.
	DropUser(ctxt context.Context, userID string, reason string) int

	// Stop close every session, and cancel every grace window
	Stop()
}

// userSessions are the sessions of one user, in join order
type userSessions struct {
	sessions []Session
	grace    common.IntervalTimer
	// graceGeneration identifies the armed grace window; bumped on every arm / cancel
	graceGeneration uint64
	graceArmed      bool
}

// routerImpl implements Router
type routerImpl struct {
	goutils.Component
	rootCtxt       context.Context
	wg             *sync.WaitGroup
	params         RouterParams
	onGraceExpired GraceHandler

	lock  sync.Mutex
	users map[string]*userSessions
}

/*
GetSessionRouter define a new session router

	@param rootCtxt context.Context - parent context of the grace timers
	@param wg *sync.WaitGroup - wait group tracking the grace timers
	@param params RouterParams - operating parameters
	@param onGraceExpired GraceHandler - called once per expired grace window
	@return new router
*/
func GetSessionRouter(
	rootCtxt context.Context,
	wg *sync.WaitGroup,
	params RouterParams,
	onGraceExpired GraceHandler,
) (Router, error) {
	if params.MaxPerUser < 1 {
		return nil, fmt.Errorf("session cap must be at least 1")
	}
	if params.SendTimeout <= 0 {
		return nil, fmt.Errorf("session send timeout must be positive")
	}
	logTags := log.Fields{
		"module": "session", "component": "router",
	}
	return &routerImpl{
		Component:      goutils.Component{LogTags: logTags},
		rootCtxt:       rootCtxt,
		wg:             wg,
		params:         params,
		onGraceExpired: onGraceExpired,
		users:          make(map[string]*userSessions),
	}, nil
}

func (r *routerImpl) Join(ctxt context.Context, sess Session) error {
	userID := sess.UserID()
	if userID == "" {
		return common.NewError(common.ErrorKindValidation, "session has no user")
	}
	var evicted []Session

	r.lock.Lock()
	entry, ok := r.users[userID]
	if !ok {
		timer, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("grace.%s", userID), r.rootCtxt, r.wg,
		)
		if err != nil {
			r.lock.Unlock()
			return err
		}
		entry = &userSessions{grace: timer}
		r.users[userID] = entry
	}
	r.cancelGrace(entry)
	for idx, existing := range entry.sessions {
		if existing.ID() == sess.ID() {
			entry.sessions = append(entry.sessions[:idx], entry.sessions[idx+1:]...)
			break
		}
	}
	entry.sessions = append(entry.sessions, sess)
	for len(entry.sessions) > r.params.MaxPerUser {
		evicted = append(evicted, entry.sessions[0])
		entry.sessions = entry.sessions[1:]
	}
	count := len(entry.sessions)
	r.lock.Unlock()

	log.WithFields(r.LogTags).Debugf(
		"Session %s of user %s joined (%d active)", sess.ID(), userID, count,
	)
	for _, old := range evicted {
		r.evict(ctxt, old)
	}
	return nil
}

func (r *routerImpl) evict(ctxt context.Context, sess Session) {
	reason := fmt.Sprintf("more than %d sessions open", r.params.MaxPerUser)
	sendCtxt, cancel := context.WithTimeout(ctxt, r.params.SendTimeout)
	defer cancel()
	if err := sess.Send(
		sendCtxt, Event{Name: EventSessionEvicted, Data: map[string]string{"reason": reason}},
	); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf(
			"Eviction notice to session %s failed", sess.ID(),
		)
	}
	if err := sess.Close(reason); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf("Closing session %s failed", sess.ID())
	}
	log.WithFields(r.LogTags).Infof("Evicted session %s of user %s", sess.ID(), sess.UserID())
}

func (r *routerImpl) Leave(userID, sessionID string) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.users[userID]
	if !ok {
		return false
	}
	found := false
	for idx, existing := range entry.sessions {
		if existing.ID() == sessionID {
			entry.sessions = append(entry.sessions[:idx], entry.sessions[idx+1:]...)
			found = true
			break
		}
	}
	if found && len(entry.sessions) == 0 {
		r.armGrace(userID, entry)
	}
	return found
}

// armGrace start the grace window of the user. Must hold the lock.
func (r *routerImpl) armGrace(userID string, entry *userSessions) {
	entry.graceGeneration++
	entry.graceArmed = true
	generation := entry.graceGeneration
	log.WithFields(r.LogTags).Debugf(
		"User %s has no sessions, grace window %s", userID, r.params.GraceWindow,
	)
	if err := entry.grace.Start(r.params.GraceWindow, func() error {
		r.graceExpired(userID, generation)
		return nil
	}, true); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Unable to start grace window of user %s", userID,
		)
	}
}

// cancelGrace cancel the grace window of the user. Must hold the lock.
func (r *routerImpl) cancelGrace(entry *userSessions) {
	if !entry.graceArmed {
		return
	}
	entry.graceGeneration++
	entry.graceArmed = false
	if err := entry.grace.Stop(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to stop grace timer")
	}
}

func (r *routerImpl) graceExpired(userID string, generation uint64) {
	r.lock.Lock()
	entry, ok := r.users[userID]
	if !ok || !entry.graceArmed || entry.graceGeneration != generation ||
		len(entry.sessions) > 0 {
		r.lock.Unlock()
		return
	}
	entry.graceArmed = false
	delete(r.users, userID)
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof("Grace window of user %s expired", userID)
	if r.onGraceExpired != nil {
		r.onGraceExpired(userID)
	}
}

func (r *routerImpl) snapshot(userID string) []Session {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.users[userID]
	if !ok {
		return nil
	}
	return append([]Session{}, entry.sessions...)
}

func (r *routerImpl) Emit(
	ctxt context.Context, userID string, name string, payload interface{},
) int {
	evt := Event{Name: name, Data: payload}
	delivered := 0
	for _, sess := range r.snapshot(userID) {
		sendCtxt, cancel := context.WithTimeout(ctxt, r.params.SendTimeout)
		err := sess.Send(sendCtxt, evt)
		cancel()
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Dropping session %s of user %s after failed '%s' send", sess.ID(), userID, name,
			)
			r.Leave(userID, sess.ID())
			if err := sess.Close("send failed"); err != nil {
				log.WithError(err).WithFields(r.LogTags).Debugf(
					"Closing session %s failed", sess.ID(),
				)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (r *routerImpl) IsLive(userID string) bool {
	return r.SessionCount(userID) > 0
}

func (r *routerImpl) SessionCount(userID string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	if entry, ok := r.users[userID]; ok {
		return len(entry.sessions)
	}
	return 0
}

func (r *routerImpl) TotalSessions() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	total := 0
	for _, entry := range r.users {
		total += len(entry.sessions)
	}
	return total
}

func (r *routerImpl) DropUser(ctxt context.Context, userID string, reason string) int {
	r.lock.Lock()
	entry, ok := r.users[userID]
	if !ok {
		r.lock.Unlock()
		return 0
	}
	r.cancelGrace(entry)
	delete(r.users, userID)
	sessions := entry.sessions
	r.lock.Unlock()

	for _, sess := range sessions {
		if err := sess.Close(reason); err != nil {
			log.WithError(err).WithFields(r.LogTags).Debugf(
				"Closing session %s failed", sess.ID(),
			)
		}
	}
	log.WithFields(r.LogTags).Infof(
		"Dropped %d sessions of user %s: %s", len(sessions), userID, reason,
	)
	return len(sessions)
}

func (r *routerImpl) Stop() {
	r.lock.Lock()
	users := make([]string, 0, len(r.users))
	for userID := range r.users {
		users = append(users, userID)
	}
	r.lock.Unlock()
	for _, userID := range users {
		r.DropUser(r.rootCtxt, userID, "gateway stopping")
	}
}
