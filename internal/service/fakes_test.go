package service

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/campushub/chatcore/config"
	"github.com/campushub/chatcore/internal/model"
	"github.com/campushub/chatcore/internal/pkg/blob"
	"github.com/campushub/chatcore/internal/repository"
	"github.com/campushub/chatcore/internal/subscription"
	logger "github.com/campushub/chatcore/middleware/log"
	"github.com/campushub/chatcore/utils/snowflake"
)

// fakeRepo is an in-memory IMessageRepository with the same contract as
// the postgres implementation: a per-scope sequence counter assigned on
// append, set semantics for reactions and reply links, ErrNotFound for
// missing ids.
type fakeRepo struct {
	mu        sync.Mutex
	seqs      map[string]int64
	messages  map[string]*model.Message
	reactions map[string]map[string]map[string]bool
	links     map[string][]string

	appendErr error
	findErr   error
	appends   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		seqs:      make(map[string]int64),
		messages:  make(map[string]*model.Message),
		reactions: make(map[string]map[string]map[string]bool),
		links:     make(map[string][]string),
	}
}

func (f *fakeRepo) Append(ctx context.Context, message *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// The sequence is consumed before the write, exactly like the INCR in
	// front of the transaction; a failed append leaves a gap.
	f.seqs[message.Scope().Key()]++
	message.SeqID = f.seqs[message.Scope().Key()]

	if f.appendErr != nil {
		return f.appendErr
	}

	stored := *message
	stored.Attachments = append([]model.Attachment(nil), message.Attachments...)
	f.messages[message.ID] = &stored
	f.appends++
	return nil
}

func (f *fakeRepo) Query(ctx context.Context, scope model.ChannelScope, after repository.Cursor, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*model.Message
	for _, m := range f.messages {
		if m.Scope() != scope || m.SeqID <= after.SeqID {
			continue
		}
		out = append(out, f.hydrated(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SeqID != out[j].SeqID {
			return out[i].SeqID < out[j].SeqID
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f.hydrated(m), nil
}

// hydrated returns a copy with the reaction map and reply list filled,
// the way the real repository's read path does. Caller holds the lock.
func (f *fakeRepo) hydrated(m *model.Message) *model.Message {
	out := *m
	out.Reactions = make(map[string][]string)
	for emoji, users := range f.reactions[m.ID] {
		for userID := range users {
			out.Reactions[emoji] = append(out.Reactions[emoji], userID)
		}
		sort.Strings(out.Reactions[emoji])
	}
	out.Replies = append([]string{}, f.links[m.ID]...)
	return &out
}

func (f *fakeRepo) AddReaction(ctx context.Context, messageID, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactions[messageID] == nil {
		f.reactions[messageID] = make(map[string]map[string]bool)
	}
	if f.reactions[messageID][emoji] == nil {
		f.reactions[messageID][emoji] = make(map[string]bool)
	}
	f.reactions[messageID][emoji][userID] = true
	return nil
}

func (f *fakeRepo) RemoveReaction(ctx context.Context, messageID, emoji, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reactions[messageID][emoji], userID)
	return nil
}

func (f *fakeRepo) ReactionCounts(ctx context.Context, messageID string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for emoji, users := range f.reactions[messageID] {
		if len(users) > 0 {
			counts[emoji] = len(users)
		}
	}
	return counts, nil
}

func (f *fakeRepo) LinkReply(ctx context.Context, parentID, childID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.links[parentID] {
		if existing == childID {
			return nil
		}
	}
	f.links[parentID] = append(f.links[parentID], childID)
	return nil
}

func (f *fakeRepo) ChildIDs(ctx context.Context, parentID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.links[parentID]...), nil
}

func (f *fakeRepo) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appends
}

var _ repository.IMessageRepository = (*fakeRepo)(nil)

// fakeGate allows the (user, scope) pairs explicitly granted.
type fakeGate struct {
	mu      sync.Mutex
	allowed map[string]bool
}

func newFakeGate() *fakeGate {
	return &fakeGate{allowed: make(map[string]bool)}
}

func (g *fakeGate) allow(userID string, scope model.ChannelScope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[userID+"|"+scope.Key()] = true
}

func (g *fakeGate) Authorize(ctx context.Context, userID string, scope model.ChannelScope) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.allowed[userID+"|"+scope.Key()] {
		return ErrPermissionDenied
	}
	return nil
}

var _ IAuthorizationGate = (*fakeGate)(nil)

// recordingPublisher captures published events and forwards them to the
// hub so subscription tests observe the live feed.
type recordingPublisher struct {
	mu     sync.Mutex
	events []*subscription.Event
	hub    *subscription.Hub
}

func (p *recordingPublisher) PublishEvent(ctx context.Context, ev *subscription.Event) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	if p.hub != nil {
		p.hub.Publish(ev)
	}
}

func (p *recordingPublisher) published(types ...subscription.EventType) []*subscription.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(types) == 0 {
		return append([]*subscription.Event(nil), p.events...)
	}
	want := make(map[subscription.EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []*subscription.Event
	for _, ev := range p.events {
		if want[ev.Type] {
			out = append(out, ev)
		}
	}
	return out
}

var _ EventPublisher = (*recordingPublisher)(nil)

type harness struct {
	repo      *fakeRepo
	gate      *fakeGate
	store     *blob.MemoryStore
	pub       *recordingPublisher
	hub       *subscription.Hub
	messages  IMessageService
	reactions IReactionService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logger.NewNopLogger()
	repo := newFakeRepo()
	gate := newFakeGate()
	store := blob.NewMemoryStore()
	pipeline := blob.NewPipeline(store, &config.UploadConfig{MaxBytes: 1024, MaxRetries: 1})
	hub := subscription.NewHub(&config.SubscriptionConfig{BufferSize: 16}, log)
	t.Cleanup(hub.Shutdown)
	pub := &recordingPublisher{hub: hub}

	idGen, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	return &harness{
		repo:      repo,
		gate:      gate,
		store:     store,
		pub:       pub,
		hub:       hub,
		messages:  NewMessageService(repo, gate, pipeline, hub, pub, idGen, log),
		reactions: NewReactionService(repo, gate, pub, idGen, log),
	}
}
