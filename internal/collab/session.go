package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/canvas-engine/internal/crdt"
	"github.com/example/canvas-engine/internal/types"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("collab: session closed")

// Session is an explicitly released handle on a canvas document.
type Session struct {
	manager  *Manager
	room     *room
	lock     Lock
	clientID types.ClientID

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// CanvasID returns the canvas this session edits.
func (s *Session) CanvasID() types.CanvasID { return s.room.canvasID }

// ClientID returns the editor identity of this session.
func (s *Session) ClientID() types.ClientID { return s.clientID }

// Document exposes the shared document for reads.
func (s *Session) Document() *crdt.Document { return s.room.doc }

// Transact applies fn as one replicated update. Other readers observe either
// none or all of its mutations.
func (s *Session) Transact(ctx context.Context, fn func(*crdt.Transaction) error) (crdt.Update, error) {
	if s.isClosed() {
		return crdt.Update{}, ErrSessionClosed
	}
	ctx, span := tracer.Start(ctx, "collab.Transact")
	defer span.End()

	start := time.Now()
	update, err := s.room.doc.Transact(fn)
	if err != nil {
		span.RecordError(err)
		return crdt.Update{}, err
	}
	if !update.Empty() {
		s.room.dirty.Store(true)
		s.manager.publish(ctx, s.room.canvasID, update)
	}
	sessionTransactLatency.Observe(time.Since(start).Seconds())
	return update, nil
}

// ApplyRemote integrates an update produced by this session's client. It
// reports whether the update changed the document.
func (s *Session) ApplyRemote(ctx context.Context, update crdt.Update) (bool, error) {
	if s.isClosed() {
		return false, ErrSessionClosed
	}
	applied, err := s.room.doc.ApplyUpdate(update)
	if err != nil || !applied {
		return applied, err
	}
	if !update.Empty() {
		s.room.dirty.Store(true)
		s.manager.publish(ctx, s.room.canvasID, update)
	}
	return true, nil
}

// Subscribe delivers every applied update except those this session's client
// originated.
func (s *Session) Subscribe(listener crdt.Listener) func() {
	return s.room.doc.Subscribe(func(u crdt.Update) {
		if u.Origin == s.clientID {
			return
		}
		listener(u)
	})
}

// Close flushes unsaved state and releases the session. It is safe to call
// more than once.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		err = s.manager.leave(ctx, s.room)
		if s.lock != nil {
			err = errors.Join(err, s.lock.Release(context.WithoutCancel(ctx)))
		}
	})
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
