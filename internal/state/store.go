package state

import (
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/protocol"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MarketKey identifies one side of an order book: orders selling Sell
// for Receive.
type MarketKey struct {
	Sell    protocol.AssetID
	Receive protocol.AssetID
}

type callKey struct {
	Borrower uuid.UUID
	Debt     protocol.AssetID
}

// Store is the indexed object database. Every mutation goes through a Store
// method so it is recorded in the undo log.
//
// Iteration order in every accessor is fully determined by object fields;
// maps are only used for point lookups.
type Store struct {
	undo  *UndoLog
	props GlobalProperties

	assets    []*Asset // index == asset id
	symbols   map[string]protocol.AssetID
	bitassets map[protocol.AssetID]*BitassetData

	calls           map[protocol.CallOrderID]*CallOrder
	callsByBorrower map[callKey]*CallOrder
	callsByDebt     map[protocol.AssetID][]*CallOrder // collateralization asc, id asc

	limits map[protocol.LimitOrderID]*LimitOrder
	books  map[MarketKey][]*LimitOrder // sell price desc, id asc

	settlements  map[protocol.ForceSettlementID]*ForceSettlement
	settleQueues map[protocol.AssetID][]*ForceSettlement // settlement date asc, id asc
}

func NewStore(undo *UndoLog) *Store {
	s := &Store{undo: undo}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.assets = nil
	s.symbols = make(map[string]protocol.AssetID)
	s.bitassets = make(map[protocol.AssetID]*BitassetData)
	s.calls = make(map[protocol.CallOrderID]*CallOrder)
	s.callsByBorrower = make(map[callKey]*CallOrder)
	s.callsByDebt = make(map[protocol.AssetID][]*CallOrder)
	s.limits = make(map[protocol.LimitOrderID]*LimitOrder)
	s.books = make(map[MarketKey][]*LimitOrder)
	s.settlements = make(map[protocol.ForceSettlementID]*ForceSettlement)
	s.settleQueues = make(map[protocol.AssetID][]*ForceSettlement)
}

// Undo returns the undo log shared with the balance tracker
func (s *Store) Undo() *UndoLog { return s.undo }

func (s *Store) record(f func()) { s.undo.Record(f) }

// ============================================================================
// Global properties
// ============================================================================

func (s *Store) Props() GlobalProperties { return s.props }

// InitProps sets the global properties without recording undo (genesis)
func (s *Store) InitProps(p GlobalProperties) { s.props = p }

func (s *Store) ModifyProps(fn func(p *GlobalProperties)) {
	old := s.props
	fn(&s.props)
	s.record(func() { s.props = old })
}

// IsWitness reports whether account is in the genesis witness set
func (s *Store) IsWitness(account uuid.UUID) bool {
	return containsSorted(s.props.Witnesses, account)
}

// IsCommitteeMember reports whether account is in the genesis committee
func (s *Store) IsCommitteeMember(account uuid.UUID) bool {
	return containsSorted(s.props.Committee, account)
}

func containsSorted(ids []uuid.UUID, id uuid.UUID) bool {
	i := sort.Search(len(ids), func(i int) bool { return protocol.CompareAccounts(ids[i], id) >= 0 })
	return i < len(ids) && ids[i] == id
}

// SortAccounts sorts account ids bytewise in place
func SortAccounts(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return protocol.CompareAccounts(ids[i], ids[j]) < 0 })
}

// ============================================================================
// Assets
// ============================================================================

// CreateAsset allocates the next asset id. bitasset must be nil for
// non-market-issued kinds.
func (s *Store) CreateAsset(a Asset, bitasset *BitassetData) (*Asset, error) {
	if _, exists := s.symbols[a.Symbol]; exists {
		return nil, fmt.Errorf("asset symbol %q already exists", a.Symbol)
	}
	a.ID = protocol.AssetID(len(s.assets))
	obj := &a
	s.assets = append(s.assets, obj)
	s.symbols[a.Symbol] = a.ID
	if bitasset != nil {
		bitasset.AssetID = a.ID
		s.bitassets[a.ID] = bitasset
	}
	s.record(func() {
		s.assets = s.assets[:len(s.assets)-1]
		delete(s.symbols, obj.Symbol)
		delete(s.bitassets, obj.ID)
	})
	return obj, nil
}

func (s *Store) GetAsset(id protocol.AssetID) (*Asset, bool) {
	if int(id) >= len(s.assets) {
		return nil, false
	}
	return s.assets[id], true
}

func (s *Store) AssetBySymbol(symbol string) (*Asset, bool) {
	id, ok := s.symbols[symbol]
	if !ok {
		return nil, false
	}
	return s.assets[id], true
}

// Assets returns all assets ordered by id
func (s *Store) Assets() []*Asset {
	return append([]*Asset(nil), s.assets...)
}

func (s *Store) ModifyAsset(a *Asset, fn func(a *Asset)) {
	old := *a
	fn(a)
	s.record(func() { *a = old })
}

func (s *Store) GetBitasset(id protocol.AssetID) (*BitassetData, bool) {
	b, ok := s.bitassets[id]
	return b, ok
}

func (s *Store) ModifyBitasset(b *BitassetData, fn func(b *BitassetData)) {
	old := b.clone()
	fn(b)
	s.record(func() { *b = old })
}

// ============================================================================
// Call orders
// ============================================================================

func callLess(a, b *CallOrder) bool {
	// a.collateral/a.debt < b.collateral/b.debt
	if c := fpmath.CompareProducts(a.Collateral, b.Debt, b.Collateral, a.Debt); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

func (s *Store) indexCall(c *CallOrder) {
	q := s.callsByDebt[c.DebtAsset]
	i := sort.Search(len(q), func(i int) bool { return !callLess(q[i], c) })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = c
	s.callsByDebt[c.DebtAsset] = q
}

func (s *Store) unindexCall(c *CallOrder) {
	q := s.callsByDebt[c.DebtAsset]
	i := sort.Search(len(q), func(i int) bool { return !callLess(q[i], c) })
	if i >= len(q) || q[i] != c {
		i = indexOf(q, c)
	}
	if i < 0 {
		return
	}
	q = append(q[:i], q[i+1:]...)
	if len(q) == 0 {
		delete(s.callsByDebt, c.DebtAsset)
		return
	}
	s.callsByDebt[c.DebtAsset] = q
}

// CreateCallOrder allocates the next call order id and indexes the order
func (s *Store) CreateCallOrder(c CallOrder) *CallOrder {
	s.ModifyProps(func(p *GlobalProperties) {
		c.ID = p.NextCallOrderID
		p.NextCallOrderID++
	})
	obj := &c
	s.insertCall(obj)
	s.record(func() { s.deleteCall(obj) })
	return obj
}

func (s *Store) insertCall(c *CallOrder) {
	s.calls[c.ID] = c
	s.callsByBorrower[callKey{c.Borrower, c.DebtAsset}] = c
	s.indexCall(c)
}

func (s *Store) deleteCall(c *CallOrder) {
	s.unindexCall(c)
	delete(s.calls, c.ID)
	delete(s.callsByBorrower, callKey{c.Borrower, c.DebtAsset})
}

func (s *Store) ModifyCallOrder(c *CallOrder, fn func(c *CallOrder)) {
	old := *c
	s.unindexCall(c)
	fn(c)
	s.indexCall(c)
	s.record(func() {
		s.unindexCall(c)
		*c = old
		s.indexCall(c)
	})
}

func (s *Store) RemoveCallOrder(c *CallOrder) {
	s.deleteCall(c)
	s.record(func() { s.insertCall(c) })
}

func (s *Store) GetCallOrder(id protocol.CallOrderID) (*CallOrder, bool) {
	c, ok := s.calls[id]
	return c, ok
}

// CallOrderOf returns the borrower's position in the debt asset
func (s *Store) CallOrderOf(borrower uuid.UUID, debt protocol.AssetID) (*CallOrder, bool) {
	c, ok := s.callsByBorrower[callKey{borrower, debt}]
	return c, ok
}

// CallOrders returns the positions of a debt asset, least collateralized first
func (s *Store) CallOrders(debt protocol.AssetID) []*CallOrder {
	return append([]*CallOrder(nil), s.callsByDebt[debt]...)
}

// LeastCollateralizedCall returns the first position of a debt asset
func (s *Store) LeastCollateralizedCall(debt protocol.AssetID) (*CallOrder, bool) {
	q := s.callsByDebt[debt]
	if len(q) == 0 {
		return nil, false
	}
	return q[0], true
}

// AllCallOrders returns every call order ordered by id
func (s *Store) AllCallOrders() []*CallOrder {
	out := make([]*CallOrder, 0, len(s.calls))
	for _, c := range s.calls {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ============================================================================
// Limit orders
// ============================================================================

func limitLess(a, b *LimitOrder) bool {
	if c := a.SellPrice.Compare(b.SellPrice); c != 0 {
		return c > 0
	}
	return a.ID < b.ID
}

func marketOf(o *LimitOrder) MarketKey {
	return MarketKey{Sell: o.SellAsset(), Receive: o.ReceiveAsset()}
}

func (s *Store) indexLimit(o *LimitOrder) {
	k := marketOf(o)
	q := s.books[k]
	i := sort.Search(len(q), func(i int) bool { return !limitLess(q[i], o) })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = o
	s.books[k] = q
}

func (s *Store) unindexLimit(o *LimitOrder) {
	k := marketOf(o)
	q := s.books[k]
	i := sort.Search(len(q), func(i int) bool { return !limitLess(q[i], o) })
	if i >= len(q) || q[i] != o {
		i = indexOf(q, o)
	}
	if i < 0 {
		return
	}
	q = append(q[:i], q[i+1:]...)
	if len(q) == 0 {
		delete(s.books, k)
		return
	}
	s.books[k] = q
}

func (s *Store) CreateLimitOrder(o LimitOrder) *LimitOrder {
	s.ModifyProps(func(p *GlobalProperties) {
		o.ID = p.NextLimitOrderID
		p.NextLimitOrderID++
	})
	obj := &o
	s.limits[obj.ID] = obj
	s.indexLimit(obj)
	s.record(func() {
		s.unindexLimit(obj)
		delete(s.limits, obj.ID)
	})
	return obj
}

func (s *Store) ModifyLimitOrder(o *LimitOrder, fn func(o *LimitOrder)) {
	old := *o
	s.unindexLimit(o)
	fn(o)
	s.indexLimit(o)
	s.record(func() {
		s.unindexLimit(o)
		*o = old
		s.indexLimit(o)
	})
}

func (s *Store) RemoveLimitOrder(o *LimitOrder) {
	s.unindexLimit(o)
	delete(s.limits, o.ID)
	s.record(func() {
		s.limits[o.ID] = o
		s.indexLimit(o)
	})
}

func (s *Store) GetLimitOrder(id protocol.LimitOrderID) (*LimitOrder, bool) {
	o, ok := s.limits[id]
	return o, ok
}

// Book returns orders selling sell for receive, best price first
func (s *Store) Book(sell, receive protocol.AssetID) []*LimitOrder {
	return append([]*LimitOrder(nil), s.books[MarketKey{sell, receive}]...)
}

// BestLimitOrder returns the head of a book
func (s *Store) BestLimitOrder(sell, receive protocol.AssetID) (*LimitOrder, bool) {
	q := s.books[MarketKey{sell, receive}]
	if len(q) == 0 {
		return nil, false
	}
	return q[0], true
}

// AllLimitOrders returns every limit order ordered by id
func (s *Store) AllLimitOrders() []*LimitOrder {
	out := make([]*LimitOrder, 0, len(s.limits))
	for _, o := range s.limits {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ExpiredLimitOrders returns orders with expiration <= now, earliest first
func (s *Store) ExpiredLimitOrders(now time.Time) []*LimitOrder {
	var out []*LimitOrder
	for _, o := range s.limits {
		if !o.Expiration.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Expiration.Equal(out[j].Expiration) {
			return out[i].Expiration.Before(out[j].Expiration)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ============================================================================
// Force settlements
// ============================================================================

func settleLess(a, b *ForceSettlement) bool {
	if !a.SettlementDate.Equal(b.SettlementDate) {
		return a.SettlementDate.Before(b.SettlementDate)
	}
	return a.ID < b.ID
}

func (s *Store) indexSettle(f *ForceSettlement) {
	q := s.settleQueues[f.Balance.AssetID]
	i := sort.Search(len(q), func(i int) bool { return !settleLess(q[i], f) })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = f
	s.settleQueues[f.Balance.AssetID] = q
}

func (s *Store) unindexSettle(f *ForceSettlement) {
	q := s.settleQueues[f.Balance.AssetID]
	i := indexOf(q, f)
	if i < 0 {
		return
	}
	q = append(q[:i], q[i+1:]...)
	if len(q) == 0 {
		delete(s.settleQueues, f.Balance.AssetID)
		return
	}
	s.settleQueues[f.Balance.AssetID] = q
}

func (s *Store) CreateForceSettlement(f ForceSettlement) *ForceSettlement {
	s.ModifyProps(func(p *GlobalProperties) {
		f.ID = p.NextForceSettlementID
		p.NextForceSettlementID++
	})
	obj := &f
	s.settlements[obj.ID] = obj
	s.indexSettle(obj)
	s.record(func() {
		s.unindexSettle(obj)
		delete(s.settlements, obj.ID)
	})
	return obj
}

func (s *Store) ModifyForceSettlement(f *ForceSettlement, fn func(f *ForceSettlement)) {
	old := *f
	s.unindexSettle(f)
	fn(f)
	s.indexSettle(f)
	s.record(func() {
		s.unindexSettle(f)
		*f = old
		s.indexSettle(f)
	})
}

func (s *Store) RemoveForceSettlement(f *ForceSettlement) {
	s.unindexSettle(f)
	delete(s.settlements, f.ID)
	s.record(func() {
		s.settlements[f.ID] = f
		s.indexSettle(f)
	})
}

func (s *Store) GetForceSettlement(id protocol.ForceSettlementID) (*ForceSettlement, bool) {
	f, ok := s.settlements[id]
	return f, ok
}

// SettleQueue returns pending settlements of an asset, earliest first
func (s *Store) SettleQueue(asset protocol.AssetID) []*ForceSettlement {
	return append([]*ForceSettlement(nil), s.settleQueues[asset]...)
}

// AllForceSettlements returns every settlement ordered by id
func (s *Store) AllForceSettlements() []*ForceSettlement {
	out := make([]*ForceSettlement, 0, len(s.settlements))
	for _, f := range s.settlements {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func indexOf[T comparable](q []T, x T) int {
	for i := range q {
		if q[i] == x {
			return i
		}
	}
	return -1
}
