// Package notifytest provides a recording notify.Notifier for tests.
package notifytest

import (
	"context"
	"sync"

	"github.com/terrpan/gpurun/internal/notify"
)

// Recorder keeps every notification it receives.
type Recorder struct {
	mu   sync.Mutex
	sent []notify.Notification

	// Err, when set, is returned by Notify and nothing is recorded.
	Err error
}

var _ notify.Notifier = (*Recorder)(nil)

func (r *Recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

// SetErr changes the error returned by subsequent calls.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Err = err
}
