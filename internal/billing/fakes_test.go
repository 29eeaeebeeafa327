package billing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"planforge/internal/config"
	"planforge/internal/external"
	"planforge/internal/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var testSettings = config.StaticSettings{
	FreeGrant:      3,
	HobbyistGrant:  50,
	RecoveryWindow: 7 * 24 * time.Hour,
	ProPeriodDays:  30,
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// --- memStore: in-memory SubscriptionStore with the repository's CAS rules ---

type memStore struct {
	mu      sync.Mutex
	records map[string]*types.SubscriptionRecord
	claims  map[string]time.Time

	// listErr and transitionErr inject failures.
	listErr       error
	transitionErr error
}

func newMemStore(records ...*types.SubscriptionRecord) *memStore {
	s := &memStore{
		records: make(map[string]*types.SubscriptionRecord),
		claims:  make(map[string]time.Time),
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func clone(r *types.SubscriptionRecord) *types.SubscriptionRecord {
	c := *r
	if r.ProviderReferenceID != nil {
		v := *r.ProviderReferenceID
		c.ProviderReferenceID = &v
	}
	if r.ProviderSessionID != nil {
		v := *r.ProviderSessionID
		c.ProviderSessionID = &v
	}
	if r.PeriodEndsAt != nil {
		v := *r.PeriodEndsAt
		c.PeriodEndsAt = &v
	}
	if r.ProfileSyncedAt != nil {
		v := *r.ProfileSyncedAt
		c.ProfileSyncedAt = &v
	}
	return &c
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
}

func (s *memStore) Create(_ context.Context, rec *types.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.CreatedAt = testNow
	rec.UpdatedAt = testNow
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, notFound()
	}
	return clone(r), nil
}

func (s *memStore) GetByReference(_ context.Context, ref string) (*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Reference() == ref {
			return clone(r), nil
		}
	}
	return nil, notFound()
}

func (s *memStore) List(_ context.Context, f types.SubscriptionFilter) ([]*types.SubscriptionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*types.SubscriptionRecord
	for _, r := range s.records {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.PlanName != "" && r.PlanName != f.PlanName {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(r.Status, f.Statuses) {
			continue
		}
		if !f.CreatedAfter.IsZero() && !r.CreatedAt.After(f.CreatedAfter) {
			continue
		}
		if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
			continue
		}
		if f.RequireSession && r.ProviderSessionID == nil {
			continue
		}
		if f.OnlyUnsynced && r.ProfileSyncedAt != nil {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memStore) SetSessionID(_ context.Context, id, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound()
	}
	r.ProviderSessionID = &sessionID
	return nil
}

func (s *memStore) Transition(_ context.Context, id string, from []types.SubscriptionStatus, change types.SubscriptionChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return false, s.transitionErr
	}
	r, ok := s.records[id]
	if !ok || !statusIn(r.Status, from) {
		return false, nil
	}
	if change.ReferenceID != nil && r.ProviderReferenceID != nil && *r.ProviderReferenceID != *change.ReferenceID {
		return false, nil
	}
	if change.LapsedBefore != nil && (r.PeriodEndsAt == nil || !r.PeriodEndsAt.Before(*change.LapsedBefore)) {
		return false, nil
	}
	r.Status = change.Status
	if change.ReferenceID != nil && r.ProviderReferenceID == nil {
		v := *change.ReferenceID
		r.ProviderReferenceID = &v
	}
	if change.PeriodEndsAt != nil {
		v := *change.PeriodEndsAt
		r.PeriodEndsAt = &v
	}
	r.UpdatedAt = testNow
	return true, nil
}

func (s *memStore) ClaimProfileSync(_ context.Context, id string, now time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != types.SubStatusActive || r.ProfileSyncedAt != nil {
		return false, nil
	}
	if at, held := s.claims[id]; held && !at.Before(now.Add(-lease)) {
		return false, nil
	}
	s.claims[id] = now
	return true, nil
}

func (s *memStore) ReleaseProfileSync(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

func (s *memStore) MarkProfileSynced(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return notFound()
	}
	r.ProfileSyncedAt = &at
	delete(s.claims, id)
	return nil
}

func (s *memStore) claimed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.claims[id]
	return ok
}

func (s *memStore) get(id string) *types.SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.records[id])
}

// --- memProfiles: in-memory ProfileStore with revision checks ---

type memProfiles struct {
	mu       sync.Mutex
	profiles map[string]types.UserProfile
	revs     map[string]int
	writes   int

	// failWrites makes UpdateProfile fail this many times.
	failWrites int
	getErr     error
}

func newMemProfiles(profiles ...types.UserProfile) *memProfiles {
	m := &memProfiles{
		profiles: make(map[string]types.UserProfile),
		revs:     make(map[string]int),
	}
	for _, p := range profiles {
		p.Provisioned = true
		m.profiles[p.ID] = p
	}
	return m
}

func (m *memProfiles) GetProfile(_ context.Context, userID string) (*types.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	rev := strconv.Itoa(m.revs[userID])
	p, ok := m.profiles[userID]
	if !ok {
		return &types.UserProfile{ID: userID, Plan: types.PlanFree, Revision: rev}, nil
	}
	p.Revision = rev
	return &p, nil
}

func (m *memProfiles) UpdateProfile(_ context.Context, profile types.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites > 0 {
		m.failWrites--
		return types.NewAppError(types.ErrCodeUpstreamIdentity, "identity provider unavailable", errors.New("503"))
	}
	if profile.Revision != "" && profile.Revision != strconv.Itoa(m.revs[profile.ID]) {
		return types.NewAppError(types.ErrCodeConflictProfileChanged, "profile changed since read", nil)
	}
	profile.Provisioned = true
	profile.Revision = ""
	m.profiles[profile.ID] = profile
	m.revs[profile.ID]++
	m.writes++
	return nil
}

// hookProfiles runs beforeUpdate once, ahead of the first profile write, to
// land a concurrent change between a caller's read and its write.
type hookProfiles struct {
	*memProfiles
	fired        atomic.Bool
	beforeUpdate func()
}

func (h *hookProfiles) UpdateProfile(ctx context.Context, profile types.UserProfile) error {
	if h.fired.CompareAndSwap(false, true) {
		h.beforeUpdate()
	}
	return h.memProfiles.UpdateProfile(ctx, profile)
}

func (m *memProfiles) get(userID string) types.UserProfile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profiles[userID]
}

// --- mockProvider ---

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) CreateCheckoutSession(ctx context.Context, req external.CheckoutRequest) (*types.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if s := args.Get(0); s != nil {
		return s.(*types.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetCheckoutSession(ctx context.Context, sessionID string) (*types.CheckoutSession, error) {
	args := m.Called(ctx, sessionID)
	if s := args.Get(0); s != nil {
		return s.(*types.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) GetSubscription(ctx context.Context, subscriptionID string) (*types.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if s := args.Get(0); s != nil {
		return s.(*types.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) error {
	args := m.Called(ctx, subscriptionID, cancel)
	return args.Error(0)
}

// --- recorders ---

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingMetrics) Count(_ context.Context, metric string, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[metric]++
}

func (c *countingMetrics) get(metric string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[metric]
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []types.ResyncMessage
}

func (p *recordingPublisher) PublishResync(_ context.Context, msg types.ResyncMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

// --- fixtures ---

type harness struct {
	store     *memStore
	profiles  *memProfiles
	provider  *mockProvider
	metrics   *countingMetrics
	resync    *recordingPublisher
	sync      *Synchronizer
	processor *Processor
}

func newHarness(store *memStore, profiles *memProfiles) *harness {
	h := &harness{
		store:    store,
		profiles: profiles,
		provider: new(mockProvider),
		metrics:  &countingMetrics{},
		resync:   &recordingPublisher{},
	}
	h.sync = NewSynchronizer(SynchronizerConfig{
		Store:    store,
		Profiles: profiles,
		Settings: testSettings,
		Resync:   h.resync,
		Metrics:  h.metrics,
		Clock:    fixedClock{testNow},
		Logger:   discardLogger(),
	})
	h.processor = NewProcessor(store, h.sync, testSettings, h.metrics, fixedClock{testNow}, discardLogger())
	return h
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func pendingRecord(id, userID string, plan types.PlanName) *types.SubscriptionRecord {
	return &types.SubscriptionRecord{
		ID:        id,
		UserID:    userID,
		PlanName:  plan,
		Status:    types.SubStatusPending,
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
}

func activeRecord(id, userID string, plan types.PlanName, ref string) *types.SubscriptionRecord {
	r := pendingRecord(id, userID, plan)
	r.Status = types.SubStatusActive
	r.ProviderReferenceID = strPtr(ref)
	if plan == types.PlanPro {
		r.PeriodEndsAt = timePtr(testNow.AddDate(0, 0, 20))
	}
	synced := testNow.Add(-time.Hour)
	r.ProfileSyncedAt = &synced
	return r
}
