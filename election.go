package carrier

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/rs/xid"
)

// Participant is one connection taking part in an election.
type Participant struct {
	id    string
	route Route
	key   string
}

func NewParticipant(route Route) *Participant {
	return &Participant{id: xid.New().String(), route: route}
}

func (p *Participant) ID() string {
	return p.id
}

func (p *Participant) Route() Route {
	return p.route
}

type election struct {
	elect *Participant
	// join order, the elect included.
	members []*Participant
	group   *Group

	ready chan struct{}
	err   error
}

// Elections makes the connections of a same source agree on which of
// them owns the shared Group: the first to join builds it and is the
// elect, the others reuse it.
//
// Elections are keyed, typically by the source port name, and live in
// an injectable registry so tests can run several of them in isolation.
type Elections struct {
	lk      sync.Mutex
	entries map[string]*election

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func NewElections(logger *slog.Logger, msink metrics.MetricSink, labels []metrics.Label) *Elections {
	if logger == nil {
		logger = slog.Default()
	}
	if msink == nil {
		msink = &metrics.BlackholeSink{}
	}
	return &Elections{
		entries: make(map[string]*election),
		logger:  logger,
		msink:   msink,
		labels:  labels,
	}
}

// Join adds p to the election of key.
//
// When no election exists, p becomes the elect and build is invoked,
// without holding the registry lock, to create the Group. Concurrent
// joiners wait until it is ready and share it. If build fails, every
// pending joiner gets its error and the election is forgotten.
func (e *Elections) Join(ctx context.Context, key string, p *Participant, build func() (*Group, error)) (*Group, bool, error) {
	e.lk.Lock()
	entry, exists := e.entries[key]
	p.key = key
	if !exists {
		entry = &election{
			elect:   p,
			members: []*Participant{p},
			ready:   make(chan struct{}),
		}
		e.entries[key] = entry
		e.lk.Unlock()

		group, err := build()

		e.lk.Lock()
		defer e.lk.Unlock()
		if err != nil {
			entry.err = err
			if e.entries[key] == entry {
				delete(e.entries, key)
			}
			close(entry.ready)
			return nil, false, err
		}
		entry.group = group
		group.refCount.Store(int32(len(entry.members)))
		close(entry.ready)

		e.msink.IncrCounterWithLabels(MetricElectionCount, 1.0, withLabels(e.labels, LabelGroup.M(key)))
		e.logger.Debug("elected", LabelGroup.L(key), LabelRoute.L(p.route))
		return group, true, nil
	}
	entry.members = append(entry.members, p)
	e.lk.Unlock()

	select {
	case <-entry.ready:
	case <-ctx.Done():
		_ = e.Leave(key, p)
		return nil, false, ctx.Err()
	}
	if entry.err != nil {
		return nil, false, entry.err
	}

	e.lk.Lock()
	entry.group.refCount.Store(int32(len(entry.members)))
	e.lk.Unlock()
	return entry.group, false, nil
}

// Leave removes p from the election it joined.
//
// If p was the elect, the earliest remaining member is promoted. The
// Group is closed once its last member is gone, never while others
// still share it.
func (e *Elections) Leave(key string, p *Participant) error {
	e.lk.Lock()
	entry, ok := e.entries[key]
	if !ok {
		e.lk.Unlock()
		return nil
	}
	idx := slices.Index(entry.members, p)
	if idx < 0 {
		e.lk.Unlock()
		return nil
	}
	entry.members = slices.Delete(entry.members, idx, idx+1)

	if entry.elect == p {
		entry.elect = nil
		if len(entry.members) > 0 {
			entry.elect = entry.members[0]
			e.msink.IncrCounterWithLabels(MetricElectionHandoff, 1.0, withLabels(e.labels, LabelGroup.M(key)))
			e.logger.Debug("election handed off", LabelGroup.L(key), LabelRoute.L(entry.elect.route))
		}
	}

	var teardown *Group
	if len(entry.members) == 0 {
		delete(e.entries, key)
		teardown = entry.group
	}
	if entry.group != nil {
		entry.group.refCount.Store(int32(len(entry.members)))
	}
	e.lk.Unlock()

	if teardown != nil {
		return teardown.Close()
	}
	return nil
}

// IsElect reports whether p may operate the Group on behalf of every
// member. A participant of an election without an elect is considered
// elected.
func (e *Elections) IsElect(p *Participant) bool {
	e.lk.Lock()
	defer e.lk.Unlock()
	entry, ok := e.entries[p.key]
	if !ok || entry.elect == nil {
		return true
	}
	return entry.elect == p
}

// Elect returns the current elect of key, or nil.
func (e *Elections) Elect(key string) *Participant {
	e.lk.Lock()
	defer e.lk.Unlock()
	if entry, ok := e.entries[key]; ok {
		return entry.elect
	}
	return nil
}

// Members returns the participants of key in join order.
func (e *Elections) Members(key string) []*Participant {
	e.lk.Lock()
	defer e.lk.Unlock()
	if entry, ok := e.entries[key]; ok {
		return slices.Clone(entry.members)
	}
	return nil
}

// Keys lists the running elections.
func (e *Elections) Keys() []string {
	e.lk.Lock()
	defer e.lk.Unlock()
	keys := make([]string, 0, len(e.entries))
	for key := range e.entries {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
