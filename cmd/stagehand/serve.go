package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/avendel/stagehand/internal/config"
	"github.com/avendel/stagehand/internal/dispatch"
	"github.com/avendel/stagehand/internal/notify"
	"github.com/avendel/stagehand/internal/render"
	"github.com/avendel/stagehand/internal/server"
	"github.com/avendel/stagehand/internal/session"
	"github.com/avendel/stagehand/internal/store"
	"github.com/avendel/stagehand/internal/supervisor"
)

// eventRetention bounds how long process events stay queryable.
const eventRetention = 7 * 24 * time.Hour

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Stagehand daemon",
		Long:  "Starts the engine pool supervisor, the rendering queue and the HTTP API. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stagehand.yaml", "path to Stagehand config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.Render.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()

	notifier, err := buildNotifier(cfg.Alerts)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Opts{
		Config:   cfg,
		Recorder: st,
		Notifier: notifier,
		Out:      out,
	})
	if err != nil {
		return err
	}

	reg, err := session.NewRegistry(sup, out)
	if err != nil {
		return err
	}
	sup.SetOnExit(reg.InvalidateProcess)

	disp, err := dispatch.New(reg, sup, cfg.Engine.CommandTimeout())
	if err != nil {
		return err
	}

	queue, err := render.NewQueue(render.Opts{
		Config:   cfg.Render,
		Renderer: disp,
		Recorder: st,
		Out:      out,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Run(ctx)
	}()

	sweeper := cron.New()
	every := fmt.Sprintf("@every %s", cfg.Pool.SweepInterval())
	if _, err := sweeper.AddFunc(every, func() {
		if n := reg.SweepIdle(cfg.Pool.SessionIdle()); n > 0 {
			log.Printf("serve: swept %d idle sessions", n)
		}
		if n := sup.SweepIdle(cfg.Pool.ProcessIdle()); n > 0 {
			log.Printf("serve: swept %d idle processes", n)
		}
		if n := queue.Prune(cfg.Render.Retention()); n > 0 {
			log.Printf("serve: pruned %d finished jobs", n)
		}
		if n, err := st.PruneEvents(eventRetention); err != nil {
			log.Printf("serve: prune events: %v", err)
		} else if n > 0 {
			log.Printf("serve: pruned %d process events", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweeps: %w", err)
	}
	sweeper.Start()

	err = server.Start(ctx, server.StartOpts{
		Port:      cfg.Server.Port,
		Sessions:  reg,
		Commands:  disp,
		Jobs:      queue,
		Processes: sup,
		History:   st,
		Out:       out,
	})

	// Shutdown: stop accepting work, then tear the pool down.
	stop()
	<-sweeper.Stop().Done()
	wg.Wait()
	reg.CloseAll()
	sup.Shutdown()

	fmt.Fprintln(out, "Stagehand stopped")
	return err
}

// buildNotifier assembles the alert fan-out from configuration. With no
// destinations configured alerts are discarded.
func buildNotifier(cfg config.AlertsConfig) (notify.Notifier, error) {
	var dests notify.Multi
	if cfg.Slack.BotToken != "" {
		slack, err := notify.NewSlack(notify.SlackOpts{
			BotToken: cfg.Slack.BotToken,
			Channel:  cfg.Slack.Channel,
		})
		if err != nil {
			return nil, err
		}
		dests = append(dests, slack)
	}
	if cfg.Discord.BotToken != "" {
		discord, err := notify.NewDiscord(notify.DiscordOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		dests = append(dests, discord)
	}
	if len(dests) == 0 {
		return notify.Nop(), nil
	}
	return dests, nil
}
