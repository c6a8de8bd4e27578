package models

// PayloadKind tags the payload of a state transition record.
type PayloadKind uint8

const (
	PayloadImage PayloadKind = iota
	PayloadDelta
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadImage:
		return "image"
	case PayloadDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// StateTransitionRecord is the unit persisted for every accepted change
// message. Records are immutable, keyed by (MarketID, Seq) and form a total
// order per market once deduplicated.
type StateTransitionRecord struct {
	MarketID      string
	Seq           int64
	PublishTimeMs int64
	Kind          PayloadKind
	Payload       []byte
}
