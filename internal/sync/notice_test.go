package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questsync/questsync/internal/api"
)

func TestRewardNotice(t *testing.T) {
	text := func(s string) *string { return &s }
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	plain := api.LevelUpEvent{DomainName: "체력", NewLevel: 3}
	silent := api.LevelUpEvent{DomainName: "지력", NewLevel: 2, RewardIcon: text("icon"), RewardSound: text("chime")}
	empty := api.LevelUpEvent{DomainName: "감성", NewLevel: 2, RewardText: text("")}
	first := api.LevelUpEvent{DomainName: "체력", NewLevel: 2, RewardText: text("snack")}
	second := api.LevelUpEvent{DomainName: api.WillpowerDomain, NewLevel: 2, RewardText: text("walk")}

	tests := []struct {
		name   string
		events []api.LevelUpEvent
		want   *api.LevelUpEvent
	}{
		{"no events", nil, nil},
		{"level-up without reward", []api.LevelUpEvent{plain}, nil},
		{"icon and sound without text", []api.LevelUpEvent{silent}, nil},
		{"empty reward text", []api.LevelUpEvent{empty}, nil},
		{"first rewarded event wins", []api.LevelUpEvent{plain, first, second}, &first},
		{"unrewarded events are skipped", []api.LevelUpEvent{silent, empty, second}, &second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := rewardNotice(tt.events, at)
			if tt.want == nil {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, NoticeReward, n.Kind)
			assert.Equal(t, at, n.At)
			require.NotNil(t, n.Event)
			assert.Equal(t, *tt.want, *n.Event)
			assert.Contains(t, n.Message, *tt.want.RewardText)
		})
	}
}

func TestAbandonedNotice(t *testing.T) {
	op := Operation{ID: 7, Kind: OpUpdateQuest, QuestID: "q-1", Retries: 3}
	n := abandonedNotice(op, &api.Error{Status: 404}, time.Time{})
	assert.Equal(t, NoticeAbandoned, n.Kind)
	require.NotNil(t, n.Op)
	assert.Equal(t, int64(7), n.Op.ID)
	assert.Contains(t, n.Message, "updateQuest q-1")
}
