package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/questsync/questsync/internal/api"
	"github.com/questsync/questsync/internal/cache"
	"github.com/questsync/questsync/internal/config"
	"github.com/questsync/questsync/internal/render"
	"github.com/questsync/questsync/internal/sync"
)

func (a *app) bootstrapCmd() *cobra.Command {
	var (
		willpower  float64
		thresholds []float64
		rewards    []string
	)
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create this device's default domains on the server",
		Long: `Ask the server to set up this device if it has not been set up yet,
then load its domains, settings and quests.

Seed values only apply the first time a device is bootstrapped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var seed api.BootstrapRequest
			if cmd.Flags().Changed("willpower") {
				seed.WillpowerXP = &willpower
			}
			seed.Thresholds = thresholds
			r, err := parseRewards(rewards)
			if err != nil {
				return err
			}
			seed.Rewards = r

			if err := a.engine.Bootstrap(a.ctx(cmd), seed); err != nil {
				return err
			}
			render.Domains(a.out, a.engine.State().Domains)
			return nil
		},
	}
	cmd.Flags().Float64Var(&willpower, "willpower", 0, "willpower XP credited for every completed quest")
	cmd.Flags().Float64SliceVar(&thresholds, "thresholds", nil, "default level thresholds, comma separated")
	cmd.Flags().StringArrayVar(&rewards, "reward", nil, "default level-up reward as level:text (repeatable)")
	return cmd
}

func (a *app) addCmd() *cobra.Command {
	var (
		domain string
		xp     int
		date   string
		daily  bool
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a quest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.parseDate(date)
			if err != nil {
				return err
			}
			in := api.QuestInput{
				Title:      args[0],
				DomainName: domain,
				XP:         xp,
				Date:       d,
				IsDaily:    daily,
			}
			if notes != "" {
				in.Notes = &notes
			}
			q, err := a.engine.CreateQuest(a.ctx(cmd), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "added [%s] %s\n", render.ShortID(q.ID), q.Title)
			a.reportQueued(q)
			return nil
		},
	}
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "domain the quest belongs to (required)")
	cmd.Flags().IntVarP(&xp, "xp", "x", 10, "XP granted on completion")
	cmd.Flags().StringVar(&date, "date", "today", "quest date: YYYY-MM-DD, today or tomorrow")
	cmd.Flags().BoolVar(&daily, "daily", false, "repeat the quest every day")
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	cmd.MarkFlagRequired("domain")
	return cmd
}

func (a *app) editCmd() *cobra.Command {
	var (
		title  string
		domain string
		xp     int
		date   string
		daily  bool
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change a quest",
		Long: `Change the given fields of a quest. Fields without a flag are left as they are.

The id may be any unique prefix of the quest id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolveQuest(args[0])
			if err != nil {
				return err
			}
			var patch api.QuestPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("domain") {
				patch.DomainName = &domain
			}
			if flags.Changed("xp") {
				patch.XP = &xp
			}
			if flags.Changed("date") {
				d, err := a.parseDate(date)
				if err != nil {
					return err
				}
				patch.Date = &d
			}
			if flags.Changed("daily") {
				patch.IsDaily = &daily
			}
			if flags.Changed("notes") {
				patch.Notes = &notes
			}
			if patch.Empty() {
				return errors.New("nothing to change: pass at least one field flag")
			}

			q, err := a.engine.UpdateQuest(a.ctx(cmd), id, patch)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "updated [%s] %s\n", render.ShortID(q.ID), q.Title)
			a.reportQueued(q)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "new domain")
	cmd.Flags().IntVarP(&xp, "xp", "x", 0, "new XP")
	cmd.Flags().StringVar(&date, "date", "", "new date: YYYY-MM-DD, today or tomorrow")
	cmd.Flags().BoolVar(&daily, "daily", false, "repeat the quest every day")
	cmd.Flags().StringVar(&notes, "notes", "", "new notes")
	return cmd
}

func (a *app) postponeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "postpone <id>",
		Short: "Move a quest to the next day",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolveQuest(args[0])
			if err != nil {
				return err
			}
			q, err := a.engine.PostponeQuest(a.ctx(cmd), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "postponed [%s] %s to %s\n", render.ShortID(q.ID), q.Title, q.Date)
			a.reportQueued(q)
			return nil
		},
	}
}

func (a *app) doneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Complete a quest",
		Long: `Mark a quest completed. XP is credited by the server; level-ups and
rewards are shown once the completion has been confirmed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolveQuest(args[0])
			if err != nil {
				return err
			}
			q, err := a.engine.CompleteQuest(a.ctx(cmd), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "completed [%s] %s\n", render.ShortID(q.ID), q.Title)
			a.reportQueued(q)
			return nil
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <id>",
		Aliases: []string{"delete"},
		Short:   "Delete a quest",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolveQuest(args[0])
			if err != nil {
				return err
			}
			if err := a.engine.DeleteQuest(a.ctx(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "deleted [%s]\n", render.ShortID(id))
			return nil
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var bucket string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List open quests by date",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return render.Quests(a.out, a.engine.State(), a.now(), bucket)
		},
	}
	cmd.Flags().StringVarP(&bucket, "bucket", "b", "", "only show today, tomorrow or upcoming")
	return cmd
}

func (a *app) domainsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "Show domain levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			render.Domains(a.out, a.engine.State().Domains)
			return nil
		},
	}
}

func (a *app) domainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "domain",
		Short: "Manage a domain's level track",
	}

	var (
		thresholds []float64
		rewards    []string
	)
	set := &cobra.Command{
		Use:   "set <name>",
		Short: "Replace a domain's level thresholds or rewards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := api.DomainPatch{Name: args[0], LevelThresholds: thresholds}
			r, err := parseRewards(rewards)
			if err != nil {
				return err
			}
			patch.LevelupRewards = r
			if patch.LevelThresholds == nil && patch.LevelupRewards == nil {
				return errors.New("nothing to change: pass --thresholds or --reward")
			}

			d, err := a.engine.UpdateDomain(a.ctx(cmd), patch)
			if err != nil {
				return err
			}
			render.Domains(a.out, []api.Domain{d})
			return nil
		},
	}
	set.Flags().Float64SliceVar(&thresholds, "thresholds", nil, "level thresholds, comma separated")
	set.Flags().StringArrayVar(&rewards, "reward", nil, "level-up reward as level:text (repeatable)")

	cmd.AddCommand(set)
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change device settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print device settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.out, "api: %s\n", a.client.BaseURL())
			return render.Config(a.out, a.engine.State().Config)
		},
	}

	var (
		willpower  float64
		thresholds []float64
		rewards    []string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change device settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch api.ConfigPatch
			if cmd.Flags().Changed("willpower") {
				patch.WillpowerXPPerAnyQuest = &willpower
			}
			patch.DefaultLevelThresholds = thresholds
			r, err := parseRewards(rewards)
			if err != nil {
				return err
			}
			patch.DefaultLevelupRewards = r
			if patch.Empty() {
				return errors.New("nothing to change: pass --willpower, --thresholds or --reward")
			}

			cfg, err := a.engine.UpdateConfig(a.ctx(cmd), patch)
			if err != nil {
				return err
			}
			return render.Config(a.out, cfg)
		},
	}
	set.Flags().Float64Var(&willpower, "willpower", 0, "willpower XP credited for every completed quest, 0 disables")
	set.Flags().Float64SliceVar(&thresholds, "thresholds", nil, "default level thresholds, comma separated")
	set.Flags().StringArrayVar(&rewards, "reward", nil, "default level-up reward as level:text (repeatable)")

	setAPI := &cobra.Command{
		Use:   "set-api <url>",
		Short: "Save the API base URL for this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ValidateAPIBase(args[0]); err != nil {
				return err
			}
			if err := a.db.SetMeta(cache.MetaAPIBase, args[0]); err != nil {
				return err
			}
			a.client.SetBaseURL(args[0])
			fmt.Fprintf(a.out, "api: %s\n", a.client.BaseURL())
			return nil
		},
	}

	cmd.AddCommand(show, set, setAPI)
	return cmd
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Send queued changes, then refresh from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := a.ctx(cmd)
			res, err := a.engine.Drain(ctx)
			if err != nil {
				if errors.Is(err, sync.ErrOffline) {
					return fmt.Errorf("server unreachable: %d changes stay queued", a.engine.Status().Pending)
				}
				return err
			}
			fmt.Fprintf(a.out, "sent %d, requeued %d, abandoned %d, waiting %d\n",
				res.Sent, res.Requeued, res.Abandoned, res.Waiting)
			if err := a.engine.Refresh(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, render.Indicator(a.engine.Status()))
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			render.Status(a.out, a.engine.Status(), a.now())
			return nil
		},
	}
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay running and sync whenever the server is reachable",
		Long: `Probe the server periodically. Each time it becomes reachable the queue
is drained and the local state refreshed; while it stays reachable the
state is refreshed every refresh_interval. Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(a.ctx(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var prober sync.Prober
			if !a.offline {
				prober = a.prober(a.client.DeviceID())
			}
			mon := sync.NewMonitor(a.engine, prober, sync.MonitorOptions{
				ProbeInterval:   a.cfg.ProbeInterval,
				RefreshInterval: a.cfg.RefreshInterval,
				OnTransition: func(online bool) {
					fmt.Fprintln(a.out, render.Indicator(a.engine.Status()))
				},
			})
			fmt.Fprintln(a.out, render.Indicator(a.engine.Status()))

			err := mon.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func (a *app) resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all of this device's data, locally and on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset deletes every quest and queued change: pass --yes to confirm")
			}
			if err := a.engine.Reset(a.ctx(cmd)); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "device data reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
