package membership

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sort"
	"sync"
	"time"

	"hashring/internal/registry"
	"hashring/internal/router"
)

// Status represents the state of a cluster member.
type Status int

const (
	Alive Status = iota
	Suspect
	Dead
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case Alive:
		return "ALIVE"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus converts the output of Status.String back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "ALIVE", "alive":
		return Alive, nil
	case "SUSPECT", "suspect":
		return Suspect, nil
	case "DEAD", "dead":
		return Dead, nil
	default:
		return Alive, fmt.Errorf("unknown member status %q", s)
	}
}

// Member is a cluster member as reported by an external membership source.
type Member struct {
	ID          string
	Addr        string
	Zone        string
	Weight      float64
	Metadata    map[string]string
	Status      Status
	Incarnation uint64
	LastSeen    time.Time
}

// Target is the ring membership changes are applied to.
type Target interface {
	AddNode(ctx context.Context, id string, weight float64, zone string, opts ...router.NodeOption) error
	RemoveNode(ctx context.Context, id string) error
}

// Tracker merges membership updates and keeps the ring in line with them:
// a member is on the ring exactly while it is Alive.
type Tracker struct {
	mu      sync.Mutex
	target  Target
	members map[string]*Member // id -> Member

	suspectTimeout time.Duration
	deadTimeout    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker that applies changes to target.
func NewTracker(target Target, suspectTimeout, deadTimeout time.Duration) *Tracker {
	if suspectTimeout <= 0 {
		suspectTimeout = 3 * time.Second
	}
	if deadTimeout <= 0 {
		deadTimeout = 10 * time.Second
	}
	return &Tracker{
		target:         target,
		members:        make(map[string]*Member),
		suspectTimeout: suspectTimeout,
		deadTimeout:    deadTimeout,
	}
}

// Apply merges updates into the tracked view. Higher incarnation wins; at
// equal incarnation Alive beats Suspect beats Dead; stale updates are ignored.
//
// A member that becomes Alive is added to the target and one that stops being
// Alive is removed. If the target rejects a change the member keeps its
// previous state, and the error is returned alongside the others.
func (t *Tracker) Apply(ctx context.Context, updates []Member) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var (
		changed int
		errs    []error
	)
	for _, remote := range updates {
		if remote.ID == "" {
			errs = append(errs, registry.ErrInvalidNode)
			continue
		}
		local, exists := t.members[remote.ID]
		if exists && !supersedes(local, &remote) {
			continue
		}

		if err := t.sync(ctx, local, &remote); err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", remote.ID, err))
			continue
		}

		next := remote
		next.Metadata = maps.Clone(remote.Metadata)
		next.LastSeen = time.Now()
		t.members[remote.ID] = &next
		changed++

		if !exists {
			log.Printf("[membership] Discovered new member: %s (%s)", remote.ID, remote.Status)
		} else if local.Status != remote.Status {
			log.Printf("[membership] Updated %s: incarnation=%d status=%s", remote.ID, remote.Incarnation, remote.Status)
		}
	}
	return changed, errors.Join(errs...)
}

// supersedes reports whether remote should replace local.
func supersedes(local, remote *Member) bool {
	if remote.Incarnation != local.Incarnation {
		return remote.Incarnation > local.Incarnation
	}
	return shouldUpdateStatus(local.Status, remote.Status)
}

// shouldUpdateStatus returns true if remote status should replace local status
// when incarnations are equal. Prefers: Alive > Suspect > Dead
func shouldUpdateStatus(local, remote Status) bool {
	if remote == Alive && local != Alive {
		return true
	}
	if remote == Suspect && local == Dead {
		return true
	}
	return false
}

// sync brings the target in line with a transition from local (nil if
// unknown) to remote.
func (t *Tracker) sync(ctx context.Context, local, remote *Member) error {
	wasAlive := local != nil && local.Status == Alive
	nowAlive := remote.Status == Alive

	switch {
	case wasAlive && nowAlive:
		if sameShape(local, remote) {
			return nil
		}
		if err := t.remove(ctx, remote.ID); err != nil {
			return err
		}
		if err := t.add(ctx, remote); err != nil {
			// Put the previous shape back so the ring still matches local.
			if rerr := t.add(ctx, local); rerr != nil {
				log.Printf("[membership] WARNING: %s left off the ring: %v", local.ID, rerr)
			}
			return err
		}
		return nil
	case nowAlive:
		return t.add(ctx, remote)
	case wasAlive:
		return t.remove(ctx, remote.ID)
	default:
		return nil
	}
}

func sameShape(a, b *Member) bool {
	return a.Addr == b.Addr && a.Zone == b.Zone && a.Weight == b.Weight && maps.Equal(a.Metadata, b.Metadata)
}

func (t *Tracker) add(ctx context.Context, m *Member) error {
	err := t.target.AddNode(ctx, m.ID, m.Weight, m.Zone,
		router.WithAddr(m.Addr), router.WithMetadata(m.Metadata))
	if errors.Is(err, registry.ErrDuplicateNode) {
		return nil
	}
	return err
}

func (t *Tracker) remove(ctx context.Context, id string) error {
	err := t.target.RemoveNode(ctx, id)
	if errors.Is(err, registry.ErrUnknownNode) {
		return nil
	}
	return err
}

// Seed records members that are already on the target, such as statically
// configured nodes, without applying them. Known IDs are left alone.
func (t *Tracker) Seed(seeds []Member) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, seed := range seeds {
		if _, exists := t.members[seed.ID]; exists || seed.ID == "" {
			continue
		}
		m := seed
		m.Metadata = maps.Clone(seed.Metadata)
		m.LastSeen = time.Now()
		t.members[seed.ID] = &m
	}
}

// Members returns a copy of every tracked member sorted by ID.
func (t *Tracker) Members() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		c := *m
		c.Metadata = maps.Clone(m.Metadata)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// AliveIDs returns the IDs of Alive members, sorted.
func (t *Tracker) AliveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(t.members))
	for id, m := range t.members {
		if m.Status == Alive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Start runs the timeout checker until ctx is done or Stop is called.
func (t *Tracker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.checkTimeouts(time.Now())
			}
		}
	}()
}

// Stop stops the timeout checker.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

// checkTimeouts declares Suspect members Dead after the suspect timeout and
// forgets Dead members after the dead timeout. Neither step touches the ring:
// only Alive members are on it.
func (t *Tracker) checkTimeouts(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, member := range t.members {
		elapsed := now.Sub(member.LastSeen)
		switch {
		case member.Status == Suspect && elapsed > t.suspectTimeout:
			member.Status = Dead
			member.Incarnation++
			member.LastSeen = now
			log.Printf("[membership] Marked %s as DEAD (suspect timeout)", id)
		case member.Status == Dead && elapsed > t.deadTimeout:
			delete(t.members, id)
			log.Printf("[membership] Forgot %s (dead timeout)", id)
		}
	}
}
