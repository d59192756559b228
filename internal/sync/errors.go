package sync

import (
	"errors"
	"net/http"

	"github.com/questsync/questsync/internal/api"
)

// Kind classifies a failed operation for the retry policy.
type Kind int

const (
	// KindTransient covers transport failures and 5xx responses. Retried.
	KindTransient Kind = iota
	// KindValidation covers 4xx responses other than 404. Never retried.
	KindValidation
	// KindNotFound means the target no longer exists server-side. Never retried.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by the remote API onto a Kind.
// Errors without an HTTP status are treated as transient.
func Classify(err error) Kind {
	if errors.Is(err, ErrCorruptOperation) {
		return KindValidation
	}
	status := api.StatusOf(err)
	switch {
	case status == 0 || status >= http.StatusInternalServerError:
		return KindTransient
	case status == http.StatusNotFound:
		return KindNotFound
	default:
		return KindValidation
	}
}

var (
	// ErrOffline is returned by calls that need the server while offline.
	ErrOffline = errors.New("offline")
	// ErrDrainInProgress is returned when a drain is already running.
	ErrDrainInProgress = errors.New("queue drain already in progress")
	// ErrUnknownQuest is returned for mutations on a quest that is not in local state.
	ErrUnknownQuest = errors.New("unknown quest")
	// ErrUnknownDomain is returned for mutations on a domain that is not in local state.
	ErrUnknownDomain = errors.New("unknown domain")
	// ErrStaleSnapshot is returned by Refresh when confirmations kept landing
	// while snapshots were in flight.
	ErrStaleSnapshot = errors.New("snapshot went stale")
	// ErrCorruptOperation is returned when a queued payload cannot be decoded.
	ErrCorruptOperation = errors.New("corrupt queued operation")
	// ErrInvalidQuest is returned when a quest fails local validation before it is queued.
	ErrInvalidQuest = errors.New("invalid quest")
)
