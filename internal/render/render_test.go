package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sebdah/goldie/v2"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/sync"
)

func init() {
	color.NoColor = true
}

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestShortID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"3f2a9c1e-aaaa-bbbb-cccc-000000000000", "3f2a9c1e"},
		{"tmp-7d6e5f4a-1111-2222-3333-444444444444", "tmp-7d6e5f4a"},
		{"short", "short"},
	}
	for _, tt := range tests {
		if got := ShortID(tt.id); got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}

func TestIndicator(t *testing.T) {
	tests := []struct {
		name string
		st   sync.Status
		want string
	}{
		{"online idle", sync.Status{Online: true}, "● online"},
		{"offline with queue", sync.Status{Pending: 3}, "● offline (3 pending)"},
		{"draining", sync.Status{Online: true, Pending: 1, Draining: true}, "● online (1 pending) syncing…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Indicator(tt.st); got != tt.want {
				t.Errorf("Indicator = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	var buf bytes.Buffer
	Status(&buf, sync.Status{
		Pending:      1,
		LastSyncedAt: now.Add(-2 * time.Hour).Format(time.RFC3339),
		Operations: []sync.Operation{
			{ID: 7, Kind: sync.OpCreateQuest, TempID: "tmp-12345678-abcd", EnqueuedAt: now.Add(-3 * time.Minute), Retries: 2},
		},
		Notices: []sync.Notice{{Kind: sync.NoticeReward, Message: "체력 reached level 2!"}},
	}, now)

	out := buf.String()
	for _, want := range []string{
		"● offline (1 pending)",
		"last synced 2 hours ago",
		"#7 createQuest tmp-12345678 (queued 3 minutes ago) retries 2",
		"★ 체력 reached level 2!",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestQuests(t *testing.T) {
	st := sync.State{Quests: []sync.LocalQuest{
		{Quest: api.Quest{ID: "aaaaaaaa-1", Title: "Run", DomainName: "체력", XP: 1200, Date: "2026-03-09", IsDaily: true}},
		{Quest: api.Quest{ID: "tmp-bbbbbbbb-2", Title: "Read", DomainName: "지력", XP: 20, Date: "2026-03-11"}, Optimistic: true},
		{Quest: api.Quest{ID: "cccccccc-3", Title: "Trip", DomainName: "감성", XP: 50, Date: "2026-04-01"}},
	}}

	var buf bytes.Buffer
	if err := Quests(&buf, st, now, ""); err != nil {
		t.Fatal(err)
	}
	newGoldie(t).Assert(t, "quests", buf.Bytes())

	buf.Reset()
	if err := Quests(&buf, st, now, BucketTomorrow); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "Today") {
		t.Errorf("bucket filter ignored:\n%s", buf.String())
	}

	if err := Quests(&buf, st, now, "someday"); err == nil {
		t.Error("expected error for unknown bucket")
	}
}

func TestDomains(t *testing.T) {
	var buf bytes.Buffer
	Domains(&buf, []api.Domain{
		{Name: "체력", Level: 2, XP: 175, NextLevelThreshold: 250, LevelProgressRatio: 0.5},
		{Name: "의지", Level: 1, XP: 5, LevelThresholds: []float64{0, 100}, LevelProgressRatio: 0.05},
	})
	newGoldie(t).Assert(t, "domains", buf.Bytes())
}

func TestConfig(t *testing.T) {
	var buf bytes.Buffer
	err := Config(&buf, api.Config{
		WillpowerXPPerAnyQuest: 5,
		DefaultLevelThresholds: []float64{0, 100},
		DefaultLevelupRewards:  []api.Reward{{Level: 2, Text: "snack"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"willpower_xp_per_any_quest: 5", "default_level_thresholds: [0, 100]", "text: snack"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}
