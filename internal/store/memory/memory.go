// Package memory is an in-process implementation of every store interface
// of the engine. It mirrors the Postgres semantics (insert-or-ignore on
// request_id, time-range lookups with region fallback, atomic rate rotation,
// per-user serialized transactions with rollback) and backs the engine tests
// and the --memory mode of the CLI.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kelpejol/ctmeter/internal/calibration"
	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/pricing"
	"github.com/kelpejol/ctmeter/internal/recommend"
	"github.com/kelpejol/ctmeter/internal/userlock"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

// Store holds all tables in memory.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	users  *userlock.Local
	nextID int64

	events []*ledger.Event
	byRID  map[string]*ledger.Event
	prices []*pricing.Entry
	rates  []*ctrate.Rate
	docs   map[int64][]byte
}

// New returns an empty store. now stamps rows inserted without created_at;
// nil means time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:   now,
		users: userlock.NewLocal(),
		byRID: make(map[string]*ledger.Event),
		docs:  make(map[int64][]byte),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func copyEvent(ev *ledger.Event) ledger.Event {
	out := *ev
	out.ClientID = clonePtr(ev.ClientID)
	out.BillableUSD = clonePtr(ev.BillableUSD)
	out.CTShadowDebit = clonePtr(ev.CTShadowDebit)
	out.CTActualDebit = clonePtr(ev.CTActualDebit)
	out.RiskBufferPct = clonePtr(ev.RiskBufferPct)
	out.TargetMarginPct = clonePtr(ev.TargetMarginPct)
	out.MinimumCTDebit = clonePtr(ev.MinimumCTDebit)
	out.PricingCatalogID = clonePtr(ev.PricingCatalogID)
	out.CTRateID = clonePtr(ev.CTRateID)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// insertLocked stores a copy of ev. It reports false when ev's request_id
// is taken.
func (s *Store) insertLocked(ev *ledger.Event) (*ledger.Event, bool) {
	if ev.RequestID != "" {
		if _, ok := s.byRID[ev.RequestID]; ok {
			return nil, false
		}
	}
	row := copyEvent(ev)
	row.ID = s.id()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = s.now().UTC()
	}
	if row.Status == "" {
		row.Status = ledger.StatusOK
	}
	s.events = append(s.events, &row)
	if row.RequestID != "" {
		s.byRID[row.RequestID] = &row
	}
	ev.ID = row.ID
	ev.CreatedAt = row.CreatedAt
	return &row, true
}

// Insert stores a fully formed row, telemetry included. It returns false on
// a duplicate request_id.
func (s *Store) Insert(ev ledger.Event) (ledger.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.insertLocked(&ev)
	if !ok {
		return ledger.Event{}, false
	}
	return copyEvent(row), true
}

// Events returns a copy of every row in insertion order.
func (s *Store) Events() []ledger.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, copyEvent(ev))
	}
	return out
}

// Rates returns a copy of every rate row.
func (s *Store) Rates() []ctrate.Rate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ctrate.Rate, 0, len(s.rates))
	for _, r := range s.rates {
		c := *r
		c.EffectiveTo = clonePtr(r.EffectiveTo)
		out = append(out, c)
	}
	return out
}

// ---- ledger.Store ----

func (s *Store) InsertPending(_ context.Context, ev *ledger.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.insertLocked(ev)
	return ok, nil
}

func (s *Store) EventByRequestID(_ context.Context, requestID string) (*ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.byRID[requestID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	c := copyEvent(ev)
	return &c, nil
}

func (s *Store) UpdateTelemetry(_ context.Context, id int64, t ledger.Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID != id {
			continue
		}
		ev.Status = t.Status
		ev.ErrorCode = t.ErrorCode
		ev.InputTokens = t.InputTokens
		ev.OutputTokens = t.OutputTokens
		ev.ToolCalls = t.ToolCalls
		ev.ConnectorCalls = t.ConnectorCalls
		ev.LatencyMs = t.LatencyMs
		ev.CostFinalUSD = t.CostFinalUSD
		ev.BillableUSD = clonePtr(t.BillableUSD)
		ev.CTShadowDebit = clonePtr(t.CTShadowDebit)
		ev.RiskBufferPct = &t.RiskBufferPct
		ev.TargetMarginPct = &t.TargetMarginPct
		ev.MinimumCTDebit = &t.MinimumCTDebit
		ev.PricingCatalogID = clonePtr(t.PricingCatalogID)
		ev.CTRateID = clonePtr(t.CTRateID)
		ev.MetaJSON = t.MetaJSON
		return nil
	}
	return ledger.ErrNotFound
}

func (s *Store) shadowSince(since time.Time) []*ledger.Event {
	var out []*ledger.Event
	for _, ev := range s.events {
		if ev.IsShadow() && !ev.CreatedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) EventsMissingTelemetry(_ context.Context, since time.Time, limit int) ([]ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Event
	for _, ev := range s.shadowSince(since) {
		if ev.BillableUSD != nil {
			continue
		}
		out = append(out, copyEvent(ev))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) RecentEvents(_ context.Context, since time.Time, limit int) ([]ledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.shadowSince(since)
	var out []ledger.Event
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, copyEvent(rows[i]))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SummarizeTelemetry(_ context.Context, since time.Time) (ledger.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum ledger.Summary
	for _, ev := range s.shadowSince(since) {
		sum.Rows++
		if ev.PricingCatalogID != nil {
			sum.Priced++
		} else {
			sum.PricingMissing++
		}
		if ev.CTRateID == nil {
			sum.RateMissing++
		}
		if ev.BillableUSD == nil {
			sum.MissingBillable++
		} else {
			sum.BillableUSD += *ev.BillableUSD
		}
		if ev.Status == ledger.StatusError {
			sum.Errors++
		}
		sum.CostFinalUSD += ev.CostFinalUSD
		if ev.CTShadowDebit != nil {
			sum.CTShadowDebit += *ev.CTShadowDebit
		}
		if ev.CTActualDebit != nil {
			sum.CTActualDebit += *ev.CTActualDebit
		}
	}
	return sum, nil
}

// ---- pricing.Store ----

func (s *Store) PriceAt(_ context.Context, provider, model, region string, at time.Time) (*pricing.Entry, error) {
	key := pricing.ModelKey{Provider: provider, Model: model, Region: region}.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *pricing.Entry
	rank := func(e *pricing.Entry) int {
		if e.Region == key.Region {
			return 0
		}
		return 1
	}
	for _, e := range s.prices {
		if e.Provider != key.Provider || e.Model != key.Model {
			continue
		}
		if e.Region != key.Region && e.Region != pricing.UnknownRegion {
			continue
		}
		if !e.Covers(at) {
			continue
		}
		switch {
		case best == nil:
			best = e
		case rank(e) != rank(best):
			if rank(e) < rank(best) {
				best = e
			}
		case e.EffectiveFrom.After(best.EffectiveFrom),
			e.EffectiveFrom.Equal(best.EffectiveFrom) && e.Version > best.Version:
			best = e
		}
	}
	if best == nil {
		return nil, pricing.ErrNotFound
	}
	c := *best
	c.EffectiveTo = clonePtr(best.EffectiveTo)
	return &c, nil
}

func (s *Store) PublishPrice(_ context.Context, e pricing.Entry) (*pricing.Entry, error) {
	key := pricing.ModelKey{Provider: e.Provider, Model: e.Model, Region: e.Region}.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	from := e.EffectiveFrom
	if from.IsZero() {
		from = s.now().UTC()
	}
	var version int64
	for _, p := range s.prices {
		if p.Provider != key.Provider || p.Model != key.Model {
			continue
		}
		if p.Version > version {
			version = p.Version
		}
		if p.Region == key.Region && p.Active && p.EffectiveTo == nil {
			closeAt := from
			p.Active = false
			p.EffectiveTo = &closeAt
		}
	}

	row := e
	row.ID = s.id()
	row.Provider, row.Model, row.Region = key.Provider, key.Model, key.Region
	row.Version = version + 1
	row.EffectiveFrom = from
	row.EffectiveTo = nil
	row.Active = true
	if row.Source == "" {
		row.Source = pricing.SourceManual
	}
	s.prices = append(s.prices, &row)
	c := row
	return &c, nil
}

func (s *Store) LatestEffectiveTo(_ context.Context, provider, model, region string) (*time.Time, error) {
	key := pricing.ModelKey{Provider: provider, Model: model, Region: region}.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *time.Time
	for _, p := range s.prices {
		if p.Provider != key.Provider || p.Model != key.Model || p.EffectiveTo == nil {
			continue
		}
		if p.Region != key.Region && p.Region != pricing.UnknownRegion {
			continue
		}
		if latest == nil || p.EffectiveTo.After(*latest) {
			latest = clonePtr(p.EffectiveTo)
		}
	}
	return latest, nil
}

func (s *Store) ObservedModels(_ context.Context, since time.Time) ([]pricing.ModelKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[pricing.ModelKey]bool{}
	var out []pricing.ModelKey
	for _, ev := range s.shadowSince(since) {
		if ev.Provider == "" || ev.Model == "" {
			continue
		}
		k := pricing.ModelKey{Provider: ev.Provider, Model: ev.Model, Region: ev.Region}.Normalize()
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out, nil
}

// ---- ctrate.Store ----

func cloneRate(r *ctrate.Rate) *ctrate.Rate {
	c := *r
	c.EffectiveTo = clonePtr(r.EffectiveTo)
	return &c
}

func (s *Store) RateAt(_ context.Context, at time.Time) (*ctrate.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *ctrate.Rate
	for _, r := range s.rates {
		if !r.Covers(at) {
			continue
		}
		if best == nil || r.EffectiveFrom.After(best.EffectiveFrom) ||
			(r.EffectiveFrom.Equal(best.EffectiveFrom) && r.Version > best.Version) {
			best = r
		}
	}
	if best == nil {
		return nil, ctrate.ErrNotFound
	}
	return cloneRate(best), nil
}

func (s *Store) currentLocked() *ctrate.Rate {
	var cur *ctrate.Rate
	for _, r := range s.rates {
		if r.Current() && (cur == nil || r.Version > cur.Version) {
			cur = r
		}
	}
	return cur
}

func (s *Store) CurrentRate(_ context.Context) (*ctrate.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.currentLocked()
	if cur == nil {
		return nil, ctrate.ErrNotFound
	}
	return cloneRate(cur), nil
}

func (s *Store) RotateRate(_ context.Context, rot ctrate.Rotation) (*ctrate.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.currentLocked()
	if cur == nil {
		return nil, ctrate.ErrNotFound
	}
	at := rot.At
	if at.IsZero() {
		at = s.now().UTC()
	}
	closeAt := at
	cur.Active = false
	cur.EffectiveTo = &closeAt

	next := &ctrate.Rate{
		ID:            s.id(),
		CTValueUSD:    rot.CTValueUSD,
		Version:       cur.Version + 1,
		EffectiveFrom: at,
		Active:        true,
		Notes:         rot.Notes,
	}
	s.rates = append(s.rates, next)
	return cloneRate(next), nil
}

func (s *Store) EnsureRate(_ context.Context, initial ctrate.Rate) (*ctrate.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rates) == 0 {
		r := initial
		r.ID = s.id()
		r.Version = 1
		r.Active = true
		r.EffectiveTo = nil
		if r.EffectiveFrom.IsZero() {
			r.EffectiveFrom = s.now().UTC()
		}
		s.rates = append(s.rates, &r)
	}
	cur := s.currentLocked()
	if cur == nil {
		return nil, ctrate.ErrNotFound
	}
	return cloneRate(cur), nil
}

func (s *Store) ListRates(_ context.Context, limit int) ([]ctrate.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := make([]*ctrate.Rate, len(s.rates))
	copy(sorted, s.rates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version > sorted[j].Version })
	var out []ctrate.Rate
	for _, r := range sorted {
		out = append(out, *cloneRate(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ---- economy.Store ----

func (s *Store) LoadDocument(_ context.Context, userID int64) (economy.Document, error) {
	s.mu.Lock()
	raw, ok := s.docs[userID]
	s.mu.Unlock()
	doc := economy.Document{}
	if !ok {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) SaveDocument(_ context.Context, userID int64, doc economy.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[userID] = raw
	s.mu.Unlock()
	return nil
}

// ---- wallet.Store ----

func (s *Store) Balance(_ context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, ev := range s.events {
		if ev.UserID == userID {
			sum += ev.Amount
		}
	}
	return sum, nil
}

func (s *Store) DebitTotals(_ context.Context, userID int64, since time.Time) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum, n int64
	for _, ev := range s.events {
		if ev.UserID == userID && ev.Amount < 0 && !ev.CreatedAt.Before(since) {
			sum -= ev.Amount
			n++
		}
	}
	return sum, n, nil
}

func (s *Store) DebitsByEventType(_ context.Context, userID int64, since time.Time) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int64{}
	for _, ev := range s.events {
		if ev.UserID == userID && ev.Amount < 0 && !ev.CreatedAt.Before(since) {
			out[ev.EventType] -= ev.Amount
		}
	}
	return out, nil
}

func (s *Store) GrantExists(_ context.Context, userID int64, from, to time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.UserID == userID && ev.EventType == ledger.EventMonthlyGrant &&
			!ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) WorkspaceDebits(_ context.Context, workspaceID string, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum int64
	for _, ev := range s.events {
		if ev.WorkspaceID == workspaceID && ev.Amount < 0 && !ev.CreatedAt.Before(since) {
			sum -= ev.Amount
		}
	}
	return sum, nil
}

// InUserTx serializes fn per user. Rows appended and actual debits set
// through the Tx are undone when fn returns an error.
func (s *Store) InUserTx(ctx context.Context, userID int64, fn func(wallet.Tx) error) error {
	release, err := s.users.Lock(ctx, userID)
	if err != nil {
		return err
	}
	defer release()

	tx := &tx{Store: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type tx struct {
	*Store
	appended []int64
	undo     []func()
}

func (t *tx) Append(_ context.Context, ev *ledger.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.insertLocked(ev)
	if !ok {
		return ledger.ErrDuplicate
	}
	t.appended = append(t.appended, row.ID)
	return nil
}

func (t *tx) SetActualDebit(_ context.Context, requestID string, ct int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ev, ok := t.byRID[requestID]
	if !ok {
		return ledger.ErrNotFound
	}
	prev := ev.CTActualDebit
	v := ct
	ev.CTActualDebit = &v
	t.undo = append(t.undo, func() { ev.CTActualDebit = prev })
	return nil
}

func (t *tx) rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	if len(t.appended) == 0 {
		return
	}
	drop := map[int64]bool{}
	for _, id := range t.appended {
		drop[id] = true
	}
	kept := t.events[:0]
	for _, ev := range t.events {
		if drop[ev.ID] {
			if ev.RequestID != "" {
				delete(t.byRID, ev.RequestID)
			}
			continue
		}
		kept = append(kept, ev)
	}
	t.events = kept
}

// ---- calibration.Store ----

func (s *Store) Coverage(_ context.Context, since time.Time) (calibration.Coverage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var c calibration.Coverage
	for _, ev := range s.events {
		if ev.Status != ledger.StatusOK || ev.CreatedAt.Before(since) {
			continue
		}
		c.Rows++
		if ev.InputTokens+ev.OutputTokens > 0 {
			c.RowsWithTokens++
		}
		if ev.BillableUSD != nil && *ev.BillableUSD > 0 {
			c.RowsWithBillable++
			c.BillableSumUSD += *ev.BillableUSD
		}
		if ev.CTActualDebit != nil {
			c.CTActualSum += *ev.CTActualDebit
		}
		if ev.CTShadowDebit != nil {
			c.CTShadowSum += *ev.CTShadowDebit
		}
		c.CostFinalSumUSD += ev.CostFinalUSD
	}
	return c, nil
}

// ---- recommend.Store ----

func (s *Store) UsageSamples(_ context.Context, since time.Time) ([]recommend.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recommend.Sample
	for _, ev := range s.events {
		if ev.Status != ledger.StatusOK || ev.CreatedAt.Before(since) || ev.InputTokens+ev.OutputTokens <= 0 {
			continue
		}
		smp := recommend.Sample{
			WorkspaceID:  strings.TrimSpace(ev.WorkspaceID),
			CostFinalUSD: ev.CostFinalUSD,
			OutputTokens: ev.OutputTokens,
			LatencyMs:    ev.LatencyMs,
		}
		if ev.CTActualDebit != nil {
			smp.CTActualDebit = *ev.CTActualDebit
		}
		out = append(out, smp)
	}
	return out, nil
}

var (
	_ ledger.Store      = (*Store)(nil)
	_ pricing.Store     = (*Store)(nil)
	_ ctrate.Store      = (*Store)(nil)
	_ economy.Store     = (*Store)(nil)
	_ wallet.Store      = (*Store)(nil)
	_ calibration.Store = (*Store)(nil)
	_ recommend.Store   = (*Store)(nil)
)
