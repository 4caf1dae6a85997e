package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"vnoded/internal/domain"
	"vnoded/internal/shardspace"
	"vnoded/internal/vnode"
)

type Options struct {
	Log        *slog.Logger
	Space      shardspace.Space
	Shards     []domain.ShardNumber
	Broker     vnode.Broker
	Supervisor vnode.Options
	// OnStop is called once per supervisor after it stops, from its own
	// watcher goroutine. It may call Orchestrator.Stop; Stop does not wait for
	// OnStop to return.
	OnStop func(*vnode.Supervisor)
}

// Orchestrator runs one supervisor per owned shard. A stopped supervisor is
// not replaced: an evicted shard stays with whichever process still consumes
// it, or unconsumed until the process is restarted.
type Orchestrator struct {
	log    *slog.Logger
	space  shardspace.Space
	onStop func(*vnode.Supervisor)

	supervisors []*vnode.Supervisor
	fatal       chan error
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// ResolveShards picks the shards a node supervises: the explicit list if
// given, otherwise its rendezvous share of peers, otherwise every shard.
func ResolveShards(space shardspace.Space, nodeID string, explicit []uint32, peers []string, seed string) []domain.ShardNumber {
	switch {
	case len(explicit) > 0:
		seen := make(map[domain.ShardNumber]struct{}, len(explicit))
		out := make([]domain.ShardNumber, 0, len(explicit))
		for _, n := range explicit {
			s := domain.ShardNumber(n)
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
		return out
	case len(peers) > 0:
		return space.Assign(nodeID, peers, seed)
	default:
		return space.All()
	}
}

func New(opts Options) (*Orchestrator, error) {
	if err := opts.Space.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.Supervisor.Log == nil {
		opts.Supervisor.Log = log
	}

	o := &Orchestrator{
		log:    log,
		space:  opts.Space,
		onStop: opts.OnStop,
		fatal:  make(chan error, len(opts.Shards)),
	}
	for _, shard := range opts.Shards {
		s, err := vnode.New(opts.Space, shard, opts.Broker, opts.Supervisor)
		if err != nil {
			return nil, fmt.Errorf("supervisor for shard %d: %w", shard, err)
		}
		o.supervisors = append(o.supervisors, s)
	}
	return o, nil
}

func (o *Orchestrator) Supervisors() []*vnode.Supervisor {
	return append([]*vnode.Supervisor(nil), o.supervisors...)
}

// Active lists the shards whose supervisors are still consuming.
func (o *Orchestrator) Active() []domain.ShardNumber {
	var out []domain.ShardNumber
	for _, s := range o.supervisors {
		if s.State() == vnode.StateActive {
			out = append(out, s.Shard())
		}
	}
	return out
}

// Start starts every supervisor and returns the joined start failures.
// Supervisors that started keep running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.log.Info("starting supervisors", slog.Int("num_shards", len(o.supervisors)))
	var errs []error
	for _, s := range o.supervisors {
		o.wg.Add(1)
		go o.watch(s)
		if err := s.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start shard %d: %w", s.Shard(), err))
		}
	}
	return errors.Join(errs...)
}

// Run starts the supervisors and blocks until ctx is done or a supervisor
// stops on a broker failure, then stops the rest.
func (o *Orchestrator) Run(ctx context.Context) error {
	err := o.Start(ctx)
	if err == nil {
		select {
		case <-ctx.Done():
		case err = <-o.fatal:
		}
	}
	stopErr := o.Stop(context.WithoutCancel(ctx))
	return errors.Join(err, stopErr)
}

// Stop stops every supervisor and waits for their loops to exit. Like
// Supervisor.Wait it must not be called from a Sink.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var errs []error
	o.stopOnce.Do(func() {
		for _, s := range o.supervisors {
			if err := s.Stop(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		o.wg.Wait()
		for _, s := range o.supervisors {
			s.Wait()
		}
	})
	return errors.Join(errs...)
}

func (o *Orchestrator) watch(s *vnode.Supervisor) {
	<-s.Done()

	reason := s.Reason()
	switch reason {
	case domain.StopOverSubscribed:
		o.log.Warn("shard relinquished", slog.Uint64("shard", uint64(s.Shard())))
	case domain.StopBrokerError:
		o.log.Error("shard supervisor failed", slog.Uint64("shard", uint64(s.Shard())), slog.Any("error", s.Err()))
		o.fatal <- fmt.Errorf("shard %d: %w", s.Shard(), s.Err())
	}
	o.wg.Done()
	if o.onStop != nil {
		o.onStop(s)
	}
}
