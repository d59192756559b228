// Package render formats engine state for the terminal.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/sync"
)

var (
	onlineColor  = color.New(color.FgGreen)
	offlineColor = color.New(color.FgRed)
	pendingColor = color.New(color.FgYellow)
	rewardColor  = color.New(color.FgHiYellow, color.Bold)
	dimColor     = color.New(color.FgHiBlack)
)

// ShortID abbreviates a quest id for display. Temporary ids keep their prefix.
func ShortID(id string) string {
	const n = 8
	if sync.IsTempID(id) {
		rest := strings.TrimPrefix(id, sync.TempPrefix)
		if len(rest) > n {
			rest = rest[:n]
		}
		return sync.TempPrefix + rest
	}
	if len(id) > n {
		return id[:n]
	}
	return id
}

// Indicator is the one-line connectivity summary.
func Indicator(st sync.Status) string {
	var b strings.Builder
	if st.Online {
		b.WriteString(onlineColor.Sprint("● online"))
	} else {
		b.WriteString(offlineColor.Sprint("● offline"))
	}
	if st.Pending > 0 {
		b.WriteString(pendingColor.Sprintf(" (%d pending)", st.Pending))
	}
	if st.Draining {
		b.WriteString(dimColor.Sprint(" syncing…"))
	}
	return b.String()
}

// Status writes the indicator, the queue and recent notices.
func Status(w io.Writer, st sync.Status, now time.Time) {
	fmt.Fprintln(w, Indicator(st))
	if st.LastSyncedAt != "" {
		if t, err := time.Parse(time.RFC3339, st.LastSyncedAt); err == nil {
			fmt.Fprintf(w, "last synced %s\n", humanize.RelTime(t, now, "ago", "from now"))
		}
	}
	if len(st.Operations) > 0 {
		fmt.Fprintln(w, "\nqueued:")
		for _, op := range st.Operations {
			line := fmt.Sprintf("  #%d %s %s", op.ID, op.Kind, ShortID(op.Target()))
			if !op.EnqueuedAt.IsZero() {
				line += dimColor.Sprintf(" (queued %s)", humanize.RelTime(op.EnqueuedAt, now, "ago", "from now"))
			}
			if op.Retries > 0 {
				line += pendingColor.Sprintf(" retries %d", op.Retries)
			}
			fmt.Fprintln(w, strings.TrimRight(line, " "))
		}
	}
	if len(st.Notices) > 0 {
		fmt.Fprintln(w, "\nrecent:")
		for _, n := range st.Notices {
			fmt.Fprintf(w, "  %s\n", Notice(n))
		}
	}
}

// Notice formats a user-facing notice.
func Notice(n sync.Notice) string {
	switch n.Kind {
	case sync.NoticeReward:
		return rewardColor.Sprint("★ " + n.Message)
	case sync.NoticeAbandoned:
		return offlineColor.Sprint("✗ " + n.Message)
	default:
		return n.Message
	}
}

// Bucket names accepted by Quests.
const (
	BucketToday    = "today"
	BucketTomorrow = "tomorrow"
	BucketUpcoming = "upcoming"
)

// Quests writes the date buckets of st relative to today. An empty
// bucket name writes all three.
func Quests(w io.Writer, st sync.State, today time.Time, bucket string) error {
	b := st.Buckets(today)
	sections := []struct {
		name   string
		title  string
		quests []api.Quest
	}{
		{BucketToday, "Today", b.Today},
		{BucketTomorrow, "Tomorrow", b.Tomorrow},
		{BucketUpcoming, "Upcoming", b.Upcoming},
	}

	found := bucket == ""
	for _, s := range sections {
		if bucket != "" && bucket != s.name {
			continue
		}
		found = true
		fmt.Fprintf(w, "%s (%d)\n", s.title, len(s.quests))
		if len(s.quests) == 0 {
			fmt.Fprintln(w, dimColor.Sprint("  nothing here"))
		}
		for _, q := range s.quests {
			lq, _ := st.Quest(q.ID)
			fmt.Fprintln(w, "  "+questLine(lq, s.name == BucketUpcoming))
		}
	}
	if !found {
		return fmt.Errorf("unknown bucket %q: want today, tomorrow or upcoming", bucket)
	}
	return nil
}

func questLine(q sync.LocalQuest, showDate bool) string {
	line := fmt.Sprintf("[%s] %s · %s · +%s XP", ShortID(q.ID), q.Title, q.DomainName, humanize.Comma(int64(q.XP)))
	if showDate {
		line += " · " + q.Date
	}
	if q.IsDaily {
		line += dimColor.Sprint(" [daily]")
	}
	if q.Optimistic {
		line += pendingColor.Sprint(" [pending]")
	}
	return line
}

// Domains writes one line per domain with its level progress.
func Domains(w io.Writer, domains []api.Domain) {
	for _, d := range domains {
		next := d.NextLevelThreshold
		if next == 0 && d.Level < len(d.LevelThresholds) {
			next = d.LevelThresholds[d.Level]
		}
		fmt.Fprintf(w, "%s  Lv %d  %s/%s XP  %s\n",
			d.Name, d.Level, humanize.Commaf(d.XP), humanize.Commaf(next), progressBar(d.LevelProgressRatio, 10))
	}
}

func progressBar(ratio float64, width int) string {
	ratio = min(1, max(0, ratio))
	filled := int(ratio*float64(width) + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + fmt.Sprintf(" %d%%", int(ratio*100+0.5))
}

type configView struct {
	WillpowerXP float64      `yaml:"willpower_xp_per_any_quest"`
	Thresholds  []float64    `yaml:"default_level_thresholds,flow"`
	Rewards     []api.Reward `yaml:"default_levelup_rewards"`
}

// Config writes the device settings as YAML.
func Config(w io.Writer, cfg api.Config) error {
	out, err := yaml.Marshal(configView{
		WillpowerXP: cfg.WillpowerXPPerAnyQuest,
		Thresholds:  cfg.DefaultLevelThresholds,
		Rewards:     cfg.DefaultLevelupRewards,
	})
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = w.Write(out)
	return err
}
