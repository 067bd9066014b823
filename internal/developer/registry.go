package developer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thongdx/aid/internal/classifier"
	"github.com/thongdx/aid/internal/store"
)

// Registry is the session store of live dispatchers, one per principal.
// Sessions that have been idle past the timeout are evicted; their state is
// rebuilt from the chat log on the next message.
type Registry struct {
	mu sync.Mutex

	store       store.Store
	cls         classifier.Classifier
	emit        Emitter
	launcher    TaskLauncher
	idleTimeout time.Duration

	sessions map[string]*session
}

type session struct {
	dev      *Developer
	lastSeen time.Time
}

// NewRegistry creates an empty session store.
func NewRegistry(st store.Store, cls classifier.Classifier, emit Emitter, launcher TaskLauncher, idleTimeout time.Duration) *Registry {
	return &Registry{
		store:       st,
		cls:         cls,
		emit:        emit,
		launcher:    launcher,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

// Dispatch routes one inbound message to the principal's dispatcher.
func (r *Registry) Dispatch(ctx context.Context, userID, content string) error {
	dev, err := r.developerFor(ctx, userID)
	if err != nil {
		return err
	}
	return dev.ReceiveMessage(ctx, content)
}

func (r *Registry) developerFor(ctx context.Context, userID string) (*Developer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for id, s := range r.sessions {
		if id != userID && now.Sub(s.lastSeen) > r.idleTimeout {
			delete(r.sessions, id)
			log.Debug().Str("user_id", id).Msg("Evicted idle session")
		}
	}

	if s, ok := r.sessions[userID]; ok {
		s.lastSeen = now
		return s.dev, nil
	}

	user, err := r.store.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	dev := NewDeveloper(user, r.store, r.cls, r.emit, r.launcher)
	if err := dev.bootstrap(ctx); err != nil {
		return nil, err
	}

	r.sessions[userID] = &session{dev: dev, lastSeen: now}

	log.Debug().Str("user_id", userID).Msg("Created session")

	return dev, nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
