package models

import "sort"

// Ladder sides. Traded is the per-price traded volume ladder streamed
// alongside the offer sides.
const (
	SideBack   = "back"
	SideLay    = "lay"
	SideTraded = "traded"
)

// Runner statuses as streamed by the exchange.
const (
	RunnerActive  = "ACTIVE"
	RunnerWinner  = "WINNER"
	RunnerLoser   = "LOSER"
	RunnerRemoved = "REMOVED"
)

// Market statuses as streamed by the exchange.
const (
	MarketOpen      = "OPEN"
	MarketSuspended = "SUSPENDED"
	MarketClosed    = "CLOSED"
)

// PriceLevel is one standing price/volume level. A level only exists with a
// positive volume; zero volume in a delta is a removal, never stored.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
}

// RunnerLadder holds the reconstructed ladder for one runner. Backs are kept
// sorted highest price first, lays lowest price first (best price leads on
// both sides). Traded holds the cumulative volume matched at each price,
// sorted ascending.
type RunnerLadder struct {
	RunnerID        int64        `json:"runner_id"`
	Status          string       `json:"status"`
	TradedVolume    float64      `json:"traded_volume"`
	LastPriceTraded float64      `json:"last_price_traded,omitempty"`
	Backs           []PriceLevel `json:"backs,omitempty"`
	Lays            []PriceLevel `json:"lays,omitempty"`
	Traded          []PriceLevel `json:"traded,omitempty"`
}

// LadderState is the reconstructed state of one market. It is owned
// exclusively by a single session or replayer and never shared.
type LadderState struct {
	MarketID      string                  `json:"market_id"`
	Seq           int64                   `json:"seq"`
	PublishTimeMs int64                   `json:"publish_time_ms"`
	MarketStatus  string                  `json:"market_status,omitempty"`
	InPlay        bool                    `json:"in_play"`
	TradedVolume  float64                 `json:"traded_volume"`
	Runners       map[int64]*RunnerLadder `json:"runners"`
	ImageComplete bool                    `json:"image_complete"`
}

// NewLadderState returns an empty state for a market. Seq starts below any
// valid sequence number so the first image is always accepted.
func NewLadderState(marketID string) *LadderState {
	return &LadderState{
		MarketID: marketID,
		Seq:      -1,
		Runners:  make(map[int64]*RunnerLadder),
	}
}

// Runner returns the ladder for a runner, creating it when absent.
func (s *LadderState) Runner(id int64) *RunnerLadder {
	r, ok := s.Runners[id]
	if !ok {
		r = &RunnerLadder{RunnerID: id, Status: RunnerActive}
		s.Runners[id] = r
	}
	return r
}

// RunnerIDs returns the runner ids in ascending order.
func (s *LadderState) RunnerIDs() []int64 {
	ids := make([]int64, 0, len(s.Runners))
	for id := range s.Runners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of the state. Replay hands out clones so callers
// can retain every point of the timeline.
func (s *LadderState) Clone() *LadderState {
	out := *s
	out.Runners = make(map[int64]*RunnerLadder, len(s.Runners))
	for id, r := range s.Runners {
		rc := *r
		rc.Backs = append([]PriceLevel(nil), r.Backs...)
		rc.Lays = append([]PriceLevel(nil), r.Lays...)
		rc.Traded = append([]PriceLevel(nil), r.Traded...)
		out.Runners[id] = &rc
	}
	return &out
}

// SetLevel inserts or replaces the level at price on the given side, keeping
// the side sorted best price first. Volume must be positive.
func (r *RunnerLadder) SetLevel(side string, price, volume float64) {
	levels := r.side(side)
	i := sort.Search(len(*levels), func(i int) bool {
		if side == SideBack {
			return (*levels)[i].Price <= price
		}
		return (*levels)[i].Price >= price
	})
	if i < len(*levels) && (*levels)[i].Price == price {
		(*levels)[i].Volume = volume
		return
	}
	*levels = append(*levels, PriceLevel{})
	copy((*levels)[i+1:], (*levels)[i:])
	(*levels)[i] = PriceLevel{Price: price, Volume: volume}
}

// RemoveLevel deletes the level at price on the given side if present.
func (r *RunnerLadder) RemoveLevel(side string, price float64) {
	levels := r.side(side)
	for i := range *levels {
		if (*levels)[i].Price == price {
			*levels = append((*levels)[:i], (*levels)[i+1:]...)
			return
		}
	}
}

// Level returns the volume resting at price on the given side, or zero.
func (r *RunnerLadder) Level(side string, price float64) float64 {
	for _, l := range *r.side(side) {
		if l.Price == price {
			return l.Volume
		}
	}
	return 0
}

func (r *RunnerLadder) side(side string) *[]PriceLevel {
	switch side {
	case SideBack:
		return &r.Backs
	case SideTraded:
		return &r.Traded
	default:
		return &r.Lays
	}
}
