package session

import (
	"errors"
	"fmt"

	"dm-sync/internal/models"
	"dm-sync/internal/remote"
)

var (
	ErrNotBound           = errors.New("session is not bound to a conversation")
	ErrAlreadyBound       = errors.New("session is already bound")
	ErrMessagePending     = errors.New("message is still pending confirmation")
	ErrReplyTargetMissing = errors.New("reply target is not loaded")
)

// DraftError is returned by Send when the message could not be created. Draft
// holds what the user composed, ready to be put back into the input.
type DraftError struct {
	Draft models.Draft
	Err   error
}

func (e *DraftError) Error() string {
	return fmt.Sprintf("send failed, draft restored: %v", e.Err)
}

func (e *DraftError) Unwrap() error {
	return e.Err
}

// FanOutError reports a reply snapshot rewrite that stopped part way.
// Committed lists the repliers whose snapshot is already updated remotely.
type FanOutError struct {
	TargetID  string
	Committed []string
	Remaining int
	Err       error
}

func (e *FanOutError) Error() string {
	return fmt.Sprintf("reply fan-out for %s stopped after %d updates (%d remaining): %v", e.TargetID, len(e.Committed), e.Remaining, e.Err)
}

func (e *FanOutError) Unwrap() error {
	return e.Err
}

func pendingError(op, id string) error {
	return &remote.Error{Kind: remote.ErrTransient, Op: op, MessageID: id, Err: ErrMessagePending}
}

func permissionError(op, id string) error {
	return &remote.Error{Kind: remote.ErrPermission, Op: op, MessageID: id}
}

// ErrorEvent renders err for the client, preferring the retry affordance the kind implies.
func ErrorEvent(op string, err error) models.ChatEvent {
	ev := models.ChatEvent{Type: "error", Error: op + ": " + err.Error(), Retryable: remote.Retryable(err)}
	var de *DraftError
	if errors.As(err, &de) {
		d := de.Draft
		ev.Draft = &d
		ev.MessageID = d.ID
	}
	var re *remote.Error
	if errors.As(err, &re) && re.MessageID != "" {
		ev.MessageID = re.MessageID
	}
	return ev
}
