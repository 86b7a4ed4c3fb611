package market

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"VenueLedger/internal/access"
	"VenueLedger/internal/intent"
	"VenueLedger/internal/ledger"
	fpmath "VenueLedger/internal/math"
)

// Engine is the prediction-market side of the venue: event lifecycle,
// attested buys and sells, positions, tickets and volumes. All credit
// movement goes through the shared ledger; all privileged calls go through
// the injected directory.
//
// Not safe for concurrent use; the deterministic core is the only writer.
type Engine struct {
	directory access.Directory
	verifier  *intent.Verifier
	replay    *intent.ReplayGuard
	credit    *ledger.CreditLedger
	venue     common.Address

	events    map[uint64]*Event
	positions map[uint64]*Position
	tickets   map[[32]byte]*Ticket

	nextPositionID uint64
}

func NewEngine(
	directory access.Directory,
	verifier *intent.Verifier,
	replay *intent.ReplayGuard,
	credit *ledger.CreditLedger,
	venue common.Address,
) *Engine {
	return &Engine{
		directory:      directory,
		verifier:       verifier,
		replay:         replay,
		credit:         credit,
		venue:          venue,
		events:         make(map[uint64]*Event),
		positions:      make(map[uint64]*Position),
		tickets:        make(map[[32]byte]*Ticket),
		nextPositionID: 1,
	}
}

// CreateEventParams carries both creation variants: the plain form (markets
// only) and the seeded form (declared outcomes plus initial liquidity).
type CreateEventParams struct {
	Caller           common.Address
	EventID          uint64
	StartTime        int64
	ExpireTime       int64
	MarketIDs        []uint32
	Outcomes         []OutcomeID
	InitialLiquidity int64
}

// CreateEvent registers a new event. Seeded events (initial liquidity with a
// declared outcome set) start InitialPending and accept blind bids; plain
// events start Created and open on resolve-initial. Requires BOOKER_ROLE.
func (e *Engine) CreateEvent(p CreateEventParams) (*Event, error) {
	if !e.directory.HasRole(access.RoleBooker, p.Caller) {
		return nil, fmt.Errorf("%w: %s lacks BOOKER_ROLE", access.ErrPermissionDenied, p.Caller.Hex())
	}
	if _, exists := e.events[p.EventID]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateEvent, p.EventID)
	}
	for _, o := range p.Outcomes {
		if o.EventID != p.EventID {
			return nil, fmt.Errorf("outcome %s does not belong to event %d", o, p.EventID)
		}
	}

	evt := &Event{
		ID:               p.EventID,
		StartTime:        p.StartTime,
		ExpireTime:       p.ExpireTime,
		Status:           EventStateCreated,
		MarketIDs:        append([]uint32(nil), p.MarketIDs...),
		InitialLiquidity: p.InitialLiquidity,
		OutcomeVolumes:   make(map[OutcomeID]int64),
		LastPrices:       make(map[OutcomeID]int64),
	}

	if p.InitialLiquidity > 0 && len(p.Outcomes) > 0 {
		evt.Status = EventStateInitialPending
		for _, o := range p.Outcomes {
			evt.RegisterOutcome(o)
		}
	}

	e.events[p.EventID] = evt
	return evt, nil
}

// ResolveInitialPool moves the event to InitialResolved and establishes the
// per-outcome pricing baseline. Requires RESOLVER_ROLE.
func (e *Engine) ResolveInitialPool(caller common.Address, eventID uint64) (*Event, error) {
	if !e.directory.HasRole(access.RoleResolver, caller) {
		return nil, fmt.Errorf("%w: %s lacks RESOLVER_ROLE", access.ErrPermissionDenied, caller.Hex())
	}

	evt, ok := e.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, eventID)
	}
	if !evt.Status.CanTransitionTo(EventStateInitialResolved) {
		return nil, fmt.Errorf("%w: event %d is %s", ErrEventStateMismatch, eventID, evt.Status)
	}

	evt.Status = EventStateInitialResolved

	// Baseline: every registered outcome gets its current spot price.
	outcomes, quantities := e.outcomeBook(evt)
	pricer := NewPricer(evt.InitialLiquidity, len(outcomes))
	for i, o := range outcomes {
		evt.LastPrices[o] = pricer.Spot(quantities, i)
	}

	return evt, nil
}

// ResolveEvent moves the event to its terminal Resolved state. Requires
// RESOLVER_ROLE.
func (e *Engine) ResolveEvent(caller common.Address, eventID uint64) (*Event, error) {
	if !e.directory.HasRole(access.RoleResolver, caller) {
		return nil, fmt.Errorf("%w: %s lacks RESOLVER_ROLE", access.ErrPermissionDenied, caller.Hex())
	}

	evt, ok := e.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, eventID)
	}
	if !evt.Status.CanTransitionTo(EventStateResolved) {
		return nil, fmt.Errorf("%w: event %d is %s", ErrEventStateMismatch, eventID, evt.Status)
	}

	evt.Status = EventStateResolved
	return evt, nil
}

// BuyParams is an attested buy request.
type BuyParams struct {
	Account   common.Address
	Amount    int64
	Outcome   OutcomeID
	Nonce     uint64
	Signature []byte
	Ref       string
	Timestamp int64
}

// BuyResult reports the admitted position.
type BuyResult struct {
	Position *Position
	TicketID [32]byte
	Batch    *ledger.Batch
}

/// BuyPosition admits an attested stake on an outcome. Order of checks:
// attestation, replay, event state, expiry, then credit. The stake debits
// only after everything that can fail has passed, and engine state mutates
// only after the debit.
func (e *Engine) BuyPosition(p BuyParams) (*BuyResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("buy amount must be positive, got %d", p.Amount)
	}

	digest := intent.BuyIntent{
		Venue:   e.venue,
		Account: p.Account,
		Amount:  p.Amount,
		Outcome: p.Outcome.Word32(),
		Nonce:   p.Nonce,
	}.Digest()
	if _, err := e.verifier.Verify(digest, p.Signature); err != nil {
		return nil, err
	}

	if err := e.replay.CheckNonce(p.Account, p.Outcome.Word32(), p.Nonce); err != nil {
		return nil, err
	}

	evt, ok := e.events[p.Outcome.EventID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, p.Outcome.EventID)
	}
	if evt.IsExpired(p.Timestamp) {
		return nil, fmt.Errorf("%w: event %d expired at %d", ErrEventExpired, evt.ID, evt.ExpireTime)
	}
	if evt.Status != EventStateInitialPending && evt.Status != EventStateInitialResolved {
		return nil, fmt.Errorf("%w: event %d is %s, not tradable", ErrEventStateMismatch, evt.ID, evt.Status)
	}

	price := e.admissionPrice(evt, p.Outcome)

	batch, err := e.credit.Stake(p.Account, p.Amount, p.Ref, ledger.JournalTypeStake, p.Timestamp)
	if err != nil {
		return nil, err
	}

	evt.RegisterOutcome(p.Outcome)

	pos := &Position{
		ID:         e.nextPositionID,
		Owner:      p.Account,
		Outcome:    p.Outcome,
		Amount:     p.Amount,
		EntryPrice: price,
		Status:     PositionStatusOpen,
		OpenedAt:   p.Timestamp,
	}
	e.nextPositionID++
	e.positions[pos.ID] = pos

	ticketID := TicketID(p.Account, p.Outcome)
	ticket, ok := e.tickets[ticketID]
	if !ok {
		ticket = &Ticket{ID: ticketID, Owner: p.Account, Outcome: p.Outcome}
		e.tickets[ticketID] = ticket
	}
	ticket.PositionIDs = append(ticket.PositionIDs, pos.ID)

	evt.OutcomeVolumes[p.Outcome] += p.Amount
	evt.Volume += p.Amount
	evt.LastPrices[p.Outcome] = price

	e.replay.ConsumeNonce(p.Account, p.Outcome.Word32(), p.Nonce)

	return &BuyResult{Position: pos, TicketID: ticketID, Batch: batch}, nil
}

// SellParams is an attested sell request.
type SellParams struct {
	Account     common.Address
	TicketID    [32]byte
	Amount      int64
	PositionIDs []uint64
	Signature   []byte
	Ref         string
	Timestamp   int64
}

// SellResult reports the liquidation outcome.
type SellResult struct {
	Payout          int64
	ClosedPositions []uint64
	Batch           *ledger.Batch
}

// SellPosition liquidates stake from the listed positions in list order.
// Each reduced slice pays out amount * priceNow / entryPrice. The whole
// command is validated before the payout; position and volume mutations
// happen only after the pool covers it.
//
// Sells are allowed on expired events: expiry blocks new exposure, not
// recovery of existing stakes.
func (e *Engine) SellPosition(p SellParams) (*SellResult, error) {
	if p.Amount <= 0 {
		return nil, fmt.Errorf("sell amount must be positive, got %d", p.Amount)
	}
	if len(p.PositionIDs) == 0 {
		return nil, fmt.Errorf("%w: no positions listed", ErrAmountExceedsTicket)
	}

	sell := intent.SellIntent{
		Venue:       e.venue,
		Account:     p.Account,
		Ticket:      p.TicketID,
		Amount:      p.Amount,
		PositionIDs: p.PositionIDs,
	}
	if _, err := e.verifier.Verify(sell.Digest(), p.Signature); err != nil {
		return nil, err
	}

	consumedKey := sell.ConsumedKey()
	if err := e.replay.CheckSell(consumedKey); err != nil {
		return nil, err
	}

	ticket, ok := e.tickets[p.TicketID]
	if !ok || ticket.Owner != p.Account {
		return nil, fmt.Errorf("%w: %x", ErrUnknownTicket, p.TicketID)
	}

	evt, ok := e.events[ticket.Outcome.EventID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, ticket.Outcome.EventID)
	}

	// Validate the listed positions before touching anything.
	listed := make([]*Position, 0, len(p.PositionIDs))
	seen := make(map[uint64]struct{}, len(p.PositionIDs))
	var totalOpen int64
	for _, id := range p.PositionIDs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: position %d listed twice", ErrUnknownPosition, id)
		}
		seen[id] = struct{}{}

		pos, ok := e.positions[id]
		if !ok || pos.Owner != p.Account || pos.Outcome != ticket.Outcome {
			return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
		}
		if pos.Status != PositionStatusOpen {
			return nil, fmt.Errorf("%w: %d", ErrPositionNotOpen, id)
		}
		listed = append(listed, pos)
		totalOpen += pos.Amount
	}
	if p.Amount > totalOpen {
		return nil, fmt.Errorf("%w: amount %d > open %d", ErrAmountExceedsTicket, p.Amount, totalOpen)
	}

	priceNow := e.settlementPrice(evt, ticket.Outcome)

	// Plan the reductions and the payout without mutating.
	remaining := p.Amount
	reductions := make([]int64, len(listed))
	var payout int64
	for i, pos := range listed {
		if remaining == 0 {
			break
		}
		reduce := pos.Amount
		if reduce > remaining {
			reduce = remaining
		}
		reductions[i] = reduce
		remaining -= reduce
		payout += fpmath.ComputeProportionalPayout(reduce, priceNow, pos.EntryPrice)
	}

	var batch *ledger.Batch
	if payout > 0 {
		var err error
		batch, err = e.credit.Payout(p.Account, payout, p.Ref, ledger.JournalTypePayout, p.Timestamp)
		if err != nil {
			return nil, err
		}
	}

	var closed []uint64
	for i, pos := range listed {
		if reductions[i] == 0 {
			continue
		}
		pos.Amount -= reductions[i]
		if pos.Amount == 0 {
			pos.Status = PositionStatusClosed
			pos.ClosedAt = p.Timestamp
			closed = append(closed, pos.ID)
		}
	}

	evt.OutcomeVolumes[ticket.Outcome] -= p.Amount
	evt.Volume -= p.Amount

	e.replay.ConsumeSell(consumedKey)

	return &SellResult{Payout: payout, ClosedPositions: closed, Batch: batch}, nil
}

// --- accessors ---

// GetPosition returns a position by id.
func (e *Engine) GetPosition(id uint64) (*Position, error) {
	pos, ok := e.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return pos, nil
}

// GetEventData returns an event by id.
func (e *Engine) GetEventData(id uint64) (*Event, error) {
	evt, ok := e.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, id)
	}
	return evt, nil
}

// GetTicketData returns a ticket by id.
func (e *Engine) GetTicketData(id [32]byte) (*Ticket, error) {
	ticket, ok := e.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownTicket, id)
	}
	return ticket, nil
}

// GetEventVolume returns the aggregate open stake of an event.
func (e *Engine) GetEventVolume(id uint64) (int64, error) {
	evt, ok := e.events[id]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownEvent, id)
	}
	return evt.Volume, nil
}

// GetOutcomeVolume returns the open stake under one outcome.
func (e *Engine) GetOutcomeVolume(outcome OutcomeID) (int64, error) {
	evt, ok := e.events[outcome.EventID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownEvent, outcome.EventID)
	}
	return evt.OutcomeVolumes[outcome], nil
}

// --- pricing helpers ---

// admissionPrice is the price a buy is admitted at: par before the initial
// pool resolves (blind bids), the LMSR spot afterwards. An unregistered
// outcome joins the book with zero stake for the quote; it registers for
// real only once the stake is funded.
func (e *Engine) admissionPrice(evt *Event, outcome OutcomeID) int64 {
	if evt.Status == EventStateInitialPending {
		return fpmath.PriceConfig.Scale
	}

	outcomes, quantities := e.outcomeBook(evt)
	idx := -1
	for i, o := range outcomes {
		if o == outcome {
			idx = i
			break
		}
	}
	if idx < 0 {
		outcomes = append(outcomes, outcome)
		quantities = append(quantities, 0)
		idx = len(outcomes) - 1
	}

	pricer := NewPricer(evt.InitialLiquidity, len(outcomes))
	return pricer.Spot(quantities, idx)
}

// settlementPrice is the price a sell settles at: the last admitted price
// of the outcome, falling back to par.
func (e *Engine) settlementPrice(evt *Event, outcome OutcomeID) int64 {
	if price, ok := evt.LastPrices[outcome]; ok && price > 0 {
		return price
	}
	return fpmath.PriceConfig.Scale
}

// outcomeBook returns the event's registered outcomes in deterministic
// order with their open stakes.
func (e *Engine) outcomeBook(evt *Event) ([]OutcomeID, []int64) {
	outcomes := make([]OutcomeID, 0, len(evt.OutcomeVolumes))
	for o := range evt.OutcomeVolumes {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool {
		a, b := outcomes[i], outcomes[j]
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Index < b.Index
	})

	quantities := make([]int64, len(outcomes))
	for i, o := range outcomes {
		quantities[i] = evt.OutcomeVolumes[o]
	}
	return outcomes, quantities
}

// CanonicalBytes returns a deterministic serialization of the whole engine
// state for the state-hash chain.
func (e *Engine) CanonicalBytes() []byte {
	buf := make([]byte, 0, 1024)
	buf = appendUint64LE(buf, e.nextPositionID)

	eventIDs := make([]uint64, 0, len(e.events))
	for id := range e.events {
		eventIDs = append(eventIDs, id)
	}
	sort.Slice(eventIDs, func(i, j int) bool { return eventIDs[i] < eventIDs[j] })

	for _, id := range eventIDs {
		evt := e.events[id]
		buf = appendUint64LE(buf, evt.ID)
		buf = appendInt64LE(buf, evt.StartTime)
		buf = appendInt64LE(buf, evt.ExpireTime)
		buf = append(buf, byte(evt.Status))
		buf = appendInt64LE(buf, evt.InitialLiquidity)
		buf = appendInt64LE(buf, evt.Volume)

		outcomes, quantities := e.outcomeBook(evt)
		for i, o := range outcomes {
			word := o.Word32()
			buf = append(buf, word[:]...)
			buf = appendInt64LE(buf, quantities[i])
			buf = appendInt64LE(buf, evt.LastPrices[o])
		}
	}

	posIDs := make([]uint64, 0, len(e.positions))
	for id := range e.positions {
		posIDs = append(posIDs, id)
	}
	sort.Slice(posIDs, func(i, j int) bool { return posIDs[i] < posIDs[j] })
	for _, id := range posIDs {
		buf = append(buf, e.positions[id].CanonicalBytes()...)
	}

	return buf
}
