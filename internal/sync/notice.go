package sync

import (
	"fmt"
	"time"

	"github.com/questsync/questsync/internal/api"
)

// NoticeKind tells the UI how to present a Notice.
type NoticeKind string

const (
	// NoticeAbandoned reports an operation that was dropped without being applied.
	NoticeAbandoned NoticeKind = "abandoned"
	// NoticeReward celebrates the first rewarded level-up of a completion.
	NoticeReward NoticeKind = "reward"
)

// Notice is a user-facing message produced by the engine.
type Notice struct {
	Kind    NoticeKind
	Message string
	At      time.Time
	Op      *Operation
	Event   *api.LevelUpEvent
}

func (n Notice) String() string {
	return fmt.Sprintf("[%s] %s", n.Kind, n.Message)
}

// rewardNotice returns a notice for the first event carrying reward text.
// Later events from the same completion are not shown.
func rewardNotice(events []api.LevelUpEvent, at time.Time) (Notice, bool) {
	for i := range events {
		ev := events[i]
		if !ev.HasReward() {
			continue
		}
		return Notice{
			Kind:    NoticeReward,
			Message: fmt.Sprintf("%s reached level %d! %s", ev.DomainName, ev.NewLevel, *ev.RewardText),
			At:      at,
			Event:   &ev,
		}, true
	}
	return Notice{}, false
}

func abandonedNotice(op Operation, err error, at time.Time) Notice {
	op2 := op
	return Notice{
		Kind:    NoticeAbandoned,
		Message: fmt.Sprintf("%s was dropped after %d retries: %v", op.Describe(), op.Retries, err),
		At:      at,
		Op:      &op2,
	}
}
