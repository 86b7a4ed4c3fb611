package market

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// EngineSnapshot is the serializable form of the whole market state, used
// by the core's snapshot/restore path.
type EngineSnapshot struct {
	NextPositionID uint64             `json:"next_position_id"`
	Events         []EventSnapshot    `json:"events"`
	Positions      []PositionSnapshot `json:"positions"`
	Tickets        []TicketSnapshot   `json:"tickets"`
}

type EventSnapshot struct {
	ID               uint64            `json:"id"`
	StartTime        int64             `json:"start_time"`
	ExpireTime       int64             `json:"expire_time"`
	Status           EventState        `json:"status"`
	MarketIDs        []uint32          `json:"market_ids"`
	InitialLiquidity int64             `json:"initial_liquidity"`
	Volume           int64             `json:"volume"`
	Outcomes         []OutcomeSnapshot `json:"outcomes"`
}

type OutcomeSnapshot struct {
	Outcome   OutcomeID `json:"outcome"`
	Volume    int64     `json:"volume"`
	LastPrice int64     `json:"last_price"`
}

type PositionSnapshot struct {
	ID         uint64         `json:"id"`
	Owner      common.Address `json:"owner"`
	Outcome    OutcomeID      `json:"outcome"`
	Amount     int64          `json:"amount"`
	EntryPrice int64          `json:"entry_price"`
	Status     PositionStatus `json:"status"`
	OpenedAt   int64          `json:"opened_at"`
	ClosedAt   int64          `json:"closed_at"`
}

type TicketSnapshot struct {
	ID          common.Hash    `json:"id"`
	Owner       common.Address `json:"owner"`
	Outcome     OutcomeID      `json:"outcome"`
	PositionIDs []uint64       `json:"position_ids"`
}

// Snapshot captures the engine state in deterministic order.
func (e *Engine) Snapshot() *EngineSnapshot {
	snap := &EngineSnapshot{NextPositionID: e.nextPositionID}

	eventIDs := make([]uint64, 0, len(e.events))
	for id := range e.events {
		eventIDs = append(eventIDs, id)
	}
	sort.Slice(eventIDs, func(i, j int) bool { return eventIDs[i] < eventIDs[j] })
	for _, id := range eventIDs {
		evt := e.events[id]
		es := EventSnapshot{
			ID:               evt.ID,
			StartTime:        evt.StartTime,
			ExpireTime:       evt.ExpireTime,
			Status:           evt.Status,
			MarketIDs:        append([]uint32(nil), evt.MarketIDs...),
			InitialLiquidity: evt.InitialLiquidity,
			Volume:           evt.Volume,
		}
		outcomes, quantities := e.outcomeBook(evt)
		for i, o := range outcomes {
			es.Outcomes = append(es.Outcomes, OutcomeSnapshot{
				Outcome:   o,
				Volume:    quantities[i],
				LastPrice: evt.LastPrices[o],
			})
		}
		snap.Events = append(snap.Events, es)
	}

	posIDs := make([]uint64, 0, len(e.positions))
	for id := range e.positions {
		posIDs = append(posIDs, id)
	}
	sort.Slice(posIDs, func(i, j int) bool { return posIDs[i] < posIDs[j] })
	for _, id := range posIDs {
		p := e.positions[id]
		snap.Positions = append(snap.Positions, PositionSnapshot{
			ID:         p.ID,
			Owner:      p.Owner,
			Outcome:    p.Outcome,
			Amount:     p.Amount,
			EntryPrice: p.EntryPrice,
			Status:     p.Status,
			OpenedAt:   p.OpenedAt,
			ClosedAt:   p.ClosedAt,
		})
	}

	ticketIDs := make([][32]byte, 0, len(e.tickets))
	for id := range e.tickets {
		ticketIDs = append(ticketIDs, id)
	}
	sort.Slice(ticketIDs, func(i, j int) bool {
		return common.Hash(ticketIDs[i]).Hex() < common.Hash(ticketIDs[j]).Hex()
	})
	for _, id := range ticketIDs {
		tk := e.tickets[id]
		snap.Tickets = append(snap.Tickets, TicketSnapshot{
			ID:          common.Hash(tk.ID),
			Owner:       tk.Owner,
			Outcome:     tk.Outcome,
			PositionIDs: append([]uint64(nil), tk.PositionIDs...),
		})
	}

	return snap
}

// Restore replaces the engine state from a snapshot.
func (e *Engine) Restore(snap *EngineSnapshot) {
	e.nextPositionID = snap.NextPositionID
	if e.nextPositionID == 0 {
		e.nextPositionID = 1
	}

	e.events = make(map[uint64]*Event, len(snap.Events))
	for _, es := range snap.Events {
		evt := &Event{
			ID:               es.ID,
			StartTime:        es.StartTime,
			ExpireTime:       es.ExpireTime,
			Status:           es.Status,
			MarketIDs:        append([]uint32(nil), es.MarketIDs...),
			InitialLiquidity: es.InitialLiquidity,
			Volume:           es.Volume,
			OutcomeVolumes:   make(map[OutcomeID]int64, len(es.Outcomes)),
			LastPrices:       make(map[OutcomeID]int64, len(es.Outcomes)),
		}
		for _, os := range es.Outcomes {
			evt.OutcomeVolumes[os.Outcome] = os.Volume
			if os.LastPrice > 0 {
				evt.LastPrices[os.Outcome] = os.LastPrice
			}
		}
		e.events[es.ID] = evt
	}

	e.positions = make(map[uint64]*Position, len(snap.Positions))
	for _, ps := range snap.Positions {
		e.positions[ps.ID] = &Position{
			ID:         ps.ID,
			Owner:      ps.Owner,
			Outcome:    ps.Outcome,
			Amount:     ps.Amount,
			EntryPrice: ps.EntryPrice,
			Status:     ps.Status,
			OpenedAt:   ps.OpenedAt,
			ClosedAt:   ps.ClosedAt,
		}
	}

	e.tickets = make(map[[32]byte]*Ticket, len(snap.Tickets))
	for _, ts := range snap.Tickets {
		e.tickets[ts.ID] = &Ticket{
			ID:          ts.ID,
			Owner:       ts.Owner,
			Outcome:     ts.Outcome,
			PositionIDs: append([]uint64(nil), ts.PositionIDs...),
		}
	}
}
