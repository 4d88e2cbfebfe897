// Package authstate holds the process-wide authentication state and keeps it
// in step with provider identity events.
//
// Every change is a message applied by one serialized reducer; readers get
// immutable snapshots.
package authstate

import (
	"gatekeep.dev/internal/auth"
)

// State is an immutable snapshot. IsAuthenticated always equals User != nil.
type State struct {
	User            *auth.Identity     `json:"user"`
	Profile         *auth.Profile      `json:"profile"`
	Organization    *auth.Organization `json:"organization"`
	IsAuthenticated bool               `json:"isAuthenticated"`
	IsInitialized   bool               `json:"isInitialized"`
	IsLoading       bool               `json:"isLoading"`
	Error           *auth.Error        `json:"error"`
}

// UserID returns the id of the held user, or "".
func (s State) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

type message interface {
	name() string
}

type (
	msgInitStart struct{}
	msgInitDone  struct {
		cu      auth.CurrentUser
		err     *auth.Error
		applied bool
	}
	msgFetched struct {
		cu auth.CurrentUser
	}
	msgSignedOut       struct{}
	msgTokenRefreshed  struct{ user *auth.Identity }
	msgUserUpdated     struct{ user *auth.Identity }
	msgSetUser         struct{ user *auth.Identity }
	msgSetProfile      struct{ profile *auth.Profile }
	msgSetOrganization struct{ org *auth.Organization }
	msgSetCurrentUser  struct{ cu auth.CurrentUser }
	msgSetLoading      struct{ loading bool }
	msgSetError        struct{ err *auth.Error }
	msgClear           struct{}
	msgProfileRefresh  struct {
		userID  string
		profile *auth.Profile
		org     *auth.Organization
	}
)

func (msgInitStart) name() string       { return "init_start" }
func (msgInitDone) name() string        { return "init_done" }
func (msgFetched) name() string         { return "signed_in" }
func (msgSignedOut) name() string       { return "signed_out" }
func (msgTokenRefreshed) name() string  { return "token_refreshed" }
func (msgUserUpdated) name() string     { return "user_updated" }
func (msgSetUser) name() string         { return "set_user" }
func (msgSetProfile) name() string      { return "set_profile" }
func (msgSetOrganization) name() string { return "set_organization" }
func (msgSetCurrentUser) name() string  { return "set_current_user" }
func (msgSetLoading) name() string      { return "set_loading" }
func (msgSetError) name() string        { return "set_error" }
func (msgClear) name() string           { return "clear" }
func (msgProfileRefresh) name() string  { return "profile_refreshed" }

// reduce is the only place state changes. It never mutates s.
func reduce(s State, m message) State {
	switch m := m.(type) {
	case msgInitStart:
		s.IsLoading = true
	case msgInitDone:
		if m.applied {
			s = withCurrentUser(s, m.cu)
			s.Error = m.err
		}
		s.IsInitialized = true
		s.IsLoading = false
	case msgFetched:
		s = withCurrentUser(s, m.cu)
		s.Error = nil
	case msgSignedOut:
		s.User, s.Profile, s.Organization = nil, nil, nil
		s.Error = nil
	case msgTokenRefreshed:
		if m.user != nil && m.user.ID != s.UserID() {
			s.User = m.user
		}
	case msgUserUpdated:
		if m.user != nil {
			s.User = m.user
		}
	case msgSetUser:
		s.User = m.user
	case msgSetProfile:
		s.Profile = m.profile
	case msgSetOrganization:
		s.Organization = m.org
	case msgSetCurrentUser:
		s = withCurrentUser(s, m.cu)
	case msgSetLoading:
		s.IsLoading = m.loading
	case msgSetError:
		s.Error = m.err
	case msgClear:
		s.User, s.Profile, s.Organization = nil, nil, nil
		s.IsLoading = false
		s.Error = nil
	case msgProfileRefresh:
		if s.User != nil && s.User.ID == m.userID {
			s.Profile, s.Organization = m.profile, m.org
		}
	}
	return consistent(s)
}

func withCurrentUser(s State, cu auth.CurrentUser) State {
	s.User, s.Profile, s.Organization = cu.User, cu.Profile, cu.Organization
	return s
}

// consistent enforces the derived fields: authentication follows the user,
// and profile data is never attributed to another user.
func consistent(s State) State {
	s.IsAuthenticated = s.User != nil
	if s.User == nil {
		s.Profile, s.Organization = nil, nil
		return s
	}
	if s.Profile != nil && s.Profile.UserID != "" && s.Profile.UserID != s.User.ID {
		s.Profile, s.Organization = nil, nil
	}
	if s.Organization != nil && (s.Profile == nil || s.Profile.OrganizationID != s.Organization.ID) {
		s.Organization = nil
	}
	return s
}

// FromCurrentUser is the initialized state holding cu. Request handlers use it
// to evaluate guards without a long-lived store.
func FromCurrentUser(cu auth.CurrentUser) State {
	return reduce(State{IsInitialized: true}, msgSetCurrentUser{cu: cu})
}
