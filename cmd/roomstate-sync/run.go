package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/roomstate/internal/roomsync"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		interval   time.Duration
		jitter     float64
		watch      bool
		watchCache bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot, then keep the local cache in sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.reconciler.Close()
			s.logger.Info().
				Str("scope", s.reconciler.Scope()).
				Int64("revision", s.reconciler.Revision()).
				Str("cache", s.cache.Path()).
				Msg("sync running")
			return runLoops(commandContext(cmd), s, interval, roomsync.ClampJitterRatio(jitter), watch, watchCache)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", durationEnv(opts.envLogger, "ROOMSTATE_SYNC_INTERVAL", 2*time.Second), "poll interval")
	cmd.Flags().Float64Var(&jitter, "interval-jitter", floatEnv(opts.envLogger, "ROOMSTATE_SYNC_INTERVAL_JITTER", 0.2), "poll interval jitter ratio (0.0-1.0)")
	cmd.Flags().BoolVar(&watch, "watch", true, "poll as soon as the server reports a new revision")
	cmd.Flags().BoolVar(&watchCache, "watch-cache", true, "pick up cache writes from other processes")
	return cmd
}

// runLoops runs the poll loop plus the optional revision and cache watchers
// until ctx is done.
func runLoops(ctx context.Context, s *session, interval time.Duration, jitter float64, watch, watchCache bool) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.reconciler.Run(ctx, interval, jitter)
	})
	if watch {
		g.Go(func() error {
			watchRevisions(ctx, s)
			return nil
		})
	}
	if watchCache {
		g.Go(func() error {
			err := s.cache.Watch(ctx, func() {
				if _, err := s.reconciler.ReloadCache(); err != nil {
					s.logger.Warn().Err(err).Msg("reload cache failed")
				}
			})
			if err != nil {
				s.logger.Warn().Err(err).Msg("cache watch stopped")
			}
			return nil
		})
	}
	return g.Wait()
}

// watchRevisions keeps a revision stream open, reconnecting after a pause
// when it drops. Polling covers the gaps.
func watchRevisions(ctx context.Context, s *session) {
	const retryDelay = 5 * time.Second
	scope := s.reconciler.Scope()
	for {
		err := s.client.WatchRevisions(ctx, scope, s.reconciler.NudgeIfBehind)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("revision watch dropped")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}
