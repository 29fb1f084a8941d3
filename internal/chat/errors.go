package chat

import "errors"

var (
	// ErrSessionNotFound: the session id references nothing.
	ErrSessionNotFound = errors.New("chat: session not found")
	// ErrSessionForbidden: the session exists but belongs to another user.
	ErrSessionForbidden = errors.New("chat: session owned by another user")
	// ErrCommitFailed: the assistant message could not be stored after the
	// stream finished.
	ErrCommitFailed = errors.New("chat: failed to commit assistant message")
	// ErrStreamingUnsupported: the session's provider has no streaming mode.
	ErrStreamingUnsupported = errors.New("chat: provider does not support streaming")
)
