package ladder

import (
	"testing"

	"ladderflow/models"
)

func f64(v float64) *float64 { return &v }

func imageMsg(marketID string, seq int64, rc ...models.RunnerChange) *models.MarketChangeMessage {
	return &models.MarketChangeMessage{
		Op:          models.OpMarketChange,
		Seq:         seq,
		PublishTime: seq * 1000,
		ChangeType:  models.ChangeTypeImage,
		Changes: []models.MarketChange{{
			MarketID:      marketID,
			Image:         true,
			RunnerChanges: rc,
		}},
	}
}

func deltaMsg(marketID string, seq int64, rc ...models.RunnerChange) *models.MarketChangeMessage {
	return &models.MarketChangeMessage{
		Op:          models.OpMarketChange,
		Seq:         seq,
		PublishTime: seq * 1000,
		Changes: []models.MarketChange{{
			MarketID:      marketID,
			RunnerChanges: rc,
		}},
	}
}

func mustApply(t *testing.T, e Engine, state *models.LadderState, msg *models.MarketChangeMessage) {
	t.Helper()
	res, err := e.Apply(state, msg)
	if err != nil {
		t.Fatalf("apply seq %d: %v", msg.Seq, err)
	}
	if res != Applied {
		t.Fatalf("apply seq %d: got %s, want applied", msg.Seq, res)
	}
}

func TestApplyImageThenDelta(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	mustApply(t, e, state, imageMsg("1.234", 1, models.RunnerChange{
		ID:              47972,
		AvailableToBack: [][]float64{{2.0, 100}, {1.98, 50}},
		AvailableToLay:  [][]float64{{2.02, 80}},
	}))

	mustApply(t, e, state, deltaMsg("1.234", 2, models.RunnerChange{
		ID:              47972,
		AvailableToBack: [][]float64{{2.0, 120}},
	}))

	r := state.Runner(47972)
	if got := r.Level(models.SideBack, 2.0); got != 120 {
		t.Fatalf("back 2.0 volume = %v, want 120", got)
	}
	if got := r.Level(models.SideBack, 1.98); got != 50 {
		t.Fatalf("back 1.98 volume = %v, want 50", got)
	}
	if got := r.Level(models.SideLay, 2.02); got != 80 {
		t.Fatalf("lay 2.02 volume = %v, want 80", got)
	}
	if state.Seq != 2 || state.PublishTimeMs != 2000 {
		t.Fatalf("state seq/pt = %d/%d, want 2/2000", state.Seq, state.PublishTimeMs)
	}
}

func TestTombstoneRemovesLevelAndReAdd(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	mustApply(t, e, state, imageMsg("1.234", 1, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 100}, {1.98, 50}},
	}))

	mustApply(t, e, state, deltaMsg("1.234", 2, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 0}},
	}))

	r := state.Runner(1)
	if got := r.Level(models.SideBack, 2.0); got != 0 {
		t.Fatalf("tombstoned level still has volume %v", got)
	}
	if len(r.Backs) != 1 {
		t.Fatalf("backs = %v, want single remaining level", r.Backs)
	}

	// A later delta may re-introduce the removed price.
	mustApply(t, e, state, deltaMsg("1.234", 3, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 30}},
	}))
	if got := r.Level(models.SideBack, 2.0); got != 30 {
		t.Fatalf("re-added level volume = %v, want 30", got)
	}
}

func TestDuplicateSequenceDiscarded(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	mustApply(t, e, state, imageMsg("1.234", 5, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 100}},
	}))

	for _, seq := range []int64{5, 4, 1} {
		res, err := e.Apply(state, deltaMsg("1.234", seq, models.RunnerChange{
			ID:              1,
			AvailableToBack: [][]float64{{2.0, 999}},
		}))
		if err != nil {
			t.Fatalf("apply seq %d: %v", seq, err)
		}
		if res != Duplicate {
			t.Fatalf("seq %d: got %s, want duplicate", seq, res)
		}
	}

	if got := state.Runner(1).Level(models.SideBack, 2.0); got != 100 {
		t.Fatalf("duplicate mutated state: volume = %v, want 100", got)
	}
	if state.Seq != 5 {
		t.Fatalf("duplicate advanced seq to %d", state.Seq)
	}
}

func TestDeltaBeforeImagePending(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	res, err := e.Apply(state, deltaMsg("1.234", 1, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 100}},
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res != PendingImage {
		t.Fatalf("got %s, want pending_image", res)
	}
	if len(state.Runners) != 0 || state.Seq != -1 {
		t.Fatalf("pending delta mutated state: %+v", state)
	}

	// The buffered delta applies once the image lands.
	mustApply(t, e, state, imageMsg("1.234", 1, models.RunnerChange{ID: 1}))
	mustApply(t, e, state, deltaMsg("1.234", 2, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 100}},
	}))
	if got := state.Runner(1).Level(models.SideBack, 2.0); got != 100 {
		t.Fatalf("buffered delta not applied: volume = %v", got)
	}
}

func TestImageDropsAbsentRunners(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	mustApply(t, e, state, imageMsg("1.234", 1,
		models.RunnerChange{ID: 1, AvailableToBack: [][]float64{{2.0, 100}}},
		models.RunnerChange{ID: 2, AvailableToLay: [][]float64{{3.0, 40}}},
	))

	mustApply(t, e, state, imageMsg("1.234", 2,
		models.RunnerChange{ID: 2, AvailableToLay: [][]float64{{3.1, 25}}},
	))

	if _, ok := state.Runners[1]; ok {
		t.Fatalf("runner 1 survived a fresh image that omitted it")
	}
	r := state.Runners[2]
	if r == nil {
		t.Fatalf("runner 2 missing after image")
	}
	if got := r.Level(models.SideLay, 3.0); got != 0 {
		t.Fatalf("stale lay level survived image: volume = %v", got)
	}
	if got := r.Level(models.SideLay, 3.1); got != 25 {
		t.Fatalf("lay 3.1 volume = %v, want 25", got)
	}
}

func TestImageEquivalentToCumulativeDeltas(t *testing.T) {
	var e Engine

	// One state built delta by delta, the other from a cumulative image.
	incremental := models.NewLadderState("1.234")
	mustApply(t, e, incremental, imageMsg("1.234", 1, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 100}},
	}))
	mustApply(t, e, incremental, deltaMsg("1.234", 2, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{1.98, 50}},
		AvailableToLay:  [][]float64{{2.02, 70}},
	}))
	mustApply(t, e, incremental, deltaMsg("1.234", 3, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{2.0, 0}},
	}))

	fresh := models.NewLadderState("1.234")
	mustApply(t, e, fresh, imageMsg("1.234", 3, models.RunnerChange{
		ID:              1,
		AvailableToBack: [][]float64{{1.98, 50}},
		AvailableToLay:  [][]float64{{2.02, 70}},
	}))

	a, b := incremental.Runner(1), fresh.Runner(1)
	if len(a.Backs) != len(b.Backs) || len(a.Lays) != len(b.Lays) {
		t.Fatalf("ladder shapes differ: %+v vs %+v", a, b)
	}
	for i := range a.Backs {
		if a.Backs[i] != b.Backs[i] {
			t.Fatalf("back level %d differs: %+v vs %+v", i, a.Backs[i], b.Backs[i])
		}
	}
	for i := range a.Lays {
		if a.Lays[i] != b.Lays[i] {
			t.Fatalf("lay level %d differs: %+v vs %+v", i, a.Lays[i], b.Lays[i])
		}
	}
}

func TestHeartbeatLeavesStateUntouched(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	mustApply(t, e, state, imageMsg("1.234", 1, models.RunnerChange{ID: 1}))

	res, err := e.Apply(state, &models.MarketChangeMessage{
		Op:         models.OpMarketChange,
		Seq:        2,
		ChangeType: models.ChangeTypeHeartbeat,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res != Heartbeat {
		t.Fatalf("got %s, want heartbeat", res)
	}
	if state.Seq != 1 {
		t.Fatalf("heartbeat advanced seq to %d", state.Seq)
	}
}

func TestScalarFieldsOverwrittenByDelta(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	img := imageMsg("1.234", 1, models.RunnerChange{ID: 1, TradedVolume: f64(500), LastPriceTraded: f64(2.0)})
	img.Changes[0].TradedVolume = f64(1000)
	img.Changes[0].MarketDefinition = &models.MarketDefinition{Status: models.MarketOpen}
	mustApply(t, e, state, img)

	inPlay := true
	d := deltaMsg("1.234", 2, models.RunnerChange{ID: 1, LastPriceTraded: f64(2.02)})
	d.Changes[0].TradedVolume = f64(1500)
	d.Changes[0].MarketDefinition = &models.MarketDefinition{Status: models.MarketSuspended, InPlay: &inPlay}
	mustApply(t, e, state, d)

	if state.TradedVolume != 1500 {
		t.Fatalf("market traded volume = %v, want 1500", state.TradedVolume)
	}
	if state.MarketStatus != models.MarketSuspended || !state.InPlay {
		t.Fatalf("market definition not applied: %+v", state)
	}
	r := state.Runner(1)
	if r.TradedVolume != 500 {
		t.Fatalf("runner traded volume = %v, want 500 (absent in delta)", r.TradedVolume)
	}
	if r.LastPriceTraded != 2.02 {
		t.Fatalf("ltp = %v, want 2.02", r.LastPriceTraded)
	}
}

func TestTradedLadderPatched(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	mustApply(t, e, state, imageMsg("1.234", 1, models.RunnerChange{
		ID:              1001,
		AvailableToBack: [][]float64{{2.0, 100}},
		Traded:          [][]float64{{2.0, 40}, {1.95, 10}},
	}))

	r := state.Runner(1001)
	if got := r.Level(models.SideTraded, 2.0); got != 40 {
		t.Fatalf("traded 2.0 volume = %v, want 40", got)
	}
	if got := r.Level(models.SideTraded, 1.95); got != 10 {
		t.Fatalf("traded 1.95 volume = %v, want 10", got)
	}

	// Traded is sorted ascending by price.
	if len(r.Traded) != 2 || r.Traded[0].Price != 1.95 || r.Traded[1].Price != 2.0 {
		t.Fatalf("traded ladder order = %+v", r.Traded)
	}

	mustApply(t, e, state, deltaMsg("1.234", 2, models.RunnerChange{
		ID:     1001,
		Traded: [][]float64{{2.0, 65}, {1.95, 0}},
	}))
	if got := r.Level(models.SideTraded, 2.0); got != 65 {
		t.Fatalf("updated traded 2.0 volume = %v, want 65", got)
	}
	if got := r.Level(models.SideTraded, 1.95); got != 0 {
		t.Fatalf("tombstoned traded level still has volume %v", got)
	}
	if len(r.Traded) != 1 {
		t.Fatalf("traded = %+v, want single remaining level", r.Traded)
	}

	// A fresh image rebuilds the traded ladder from scratch.
	mustApply(t, e, state, imageMsg("1.234", 3, models.RunnerChange{
		ID:     1001,
		Traded: [][]float64{{2.02, 5}},
	}))
	r = state.Runner(1001)
	if got := r.Level(models.SideTraded, 2.0); got != 0 {
		t.Fatalf("stale traded level survived image: volume = %v", got)
	}
	if got := r.Level(models.SideTraded, 2.02); got != 5 {
		t.Fatalf("traded 2.02 volume = %v, want 5", got)
	}
}

func TestChangeForOtherMarketSkipped(t *testing.T) {
	var e Engine
	state := models.NewLadderState("1.234")

	res, err := e.Apply(state, imageMsg("1.999", 1, models.RunnerChange{ID: 1}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res != Skipped {
		t.Fatalf("got %s, want skipped", res)
	}
}
