package auth

import (
	"github.com/google/uuid"
)

// ObserverID identifies a registered observer.
type ObserverID uuid.UUID

func (id ObserverID) String() string {
	return uuid.UUID(id).String()
}

// ChangeObserver is called after every mutation of an AuthState.
type ChangeObserver func(state *AuthState)

// ErrorObserver is called when an AuthState records an authorization or
// token error.
type ErrorObserver func(state *AuthState, err error)

type observerEntry struct {
	id       ObserverID
	onChange ChangeObserver
	onError  ErrorObserver
}

// AddChangeObserver registers fn and returns its id.
func (s *AuthState) AddChangeObserver(fn ChangeObserver) ObserverID {
	return s.addObserver(observerEntry{onChange: fn})
}

// AddErrorObserver registers fn and returns its id.
func (s *AuthState) AddErrorObserver(fn ErrorObserver) ObserverID {
	return s.addObserver(observerEntry{onError: fn})
}

// RemoveObserver unregisters an observer. Unknown ids are ignored.
func (s *AuthState) RemoveObserver(id ObserverID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.observers {
		if o.id == id {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *AuthState) addObserver(entry observerEntry) ObserverID {
	entry.id = ObserverID(uuid.New())
	s.mu.Lock()
	s.observers = append(s.observers, entry)
	s.mu.Unlock()
	return entry.id
}

// snapshotObserversLocked copies the observer list so it can be walked
// without holding the lock.
func (s *AuthState) snapshotObserversLocked() []observerEntry {
	return append([]observerEntry(nil), s.observers...)
}

func (s *AuthState) notifyChange(observers []observerEntry) {
	for _, o := range observers {
		if o.onChange != nil {
			o.onChange(s)
		}
	}
}

func (s *AuthState) notifyError(observers []observerEntry, err error) {
	for _, o := range observers {
		if o.onError != nil {
			o.onError(s, err)
		}
	}
}
