package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flashbots/auctionsession/protocol"
)

// NoWinner is reported as winner by kinds that do not select one.
const NoWinner = -1

var (
	ErrInvalidBid       = errors.New("bid cannot be lower than 1")
	ErrTooFewParties    = errors.New("there must be at least 2 parties")
	ErrUnknownParty     = errors.New("own party id missing from address table")
	ErrUnsupportedSuite = errors.New("unsupported suite")
	ErrUnknownKind      = errors.New("unknown auction kind")
)

// Input is everything a party feeds into one evaluation.
type Input struct {
	Kind          protocol.AuctionKind
	Bid           int
	Suite         protocol.Suite
	Preprocessing protocol.Preprocessing
	// PartyID is the evaluating party's own id within Parties.
	PartyID int
	Parties protocol.AddressTable
}

// Result is the public outcome of an evaluation.
type Result struct {
	WinnerPartyID int `json:"winner_party_id"`
	FinalPrice    int `json:"final_price"`
}

// Evaluator runs the computation for one party. Implementations block until
// every party contributed or their own time bound expires.
type Evaluator interface {
	Evaluate(ctx context.Context, in *Input) (*Result, error)
}

// Validate rejects inputs an evaluation must never start with.
func Validate(in *Input) error {
	if in.Bid < 1 {
		return ErrInvalidBid
	}
	if in.Parties.Len() < 2 {
		return ErrTooFewParties
	}
	if _, ok := in.Parties.Lookup(in.PartyID); !ok {
		return fmt.Errorf("%w: %d", ErrUnknownParty, in.PartyID)
	}
	if !in.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, in.Kind)
	}
	return nil
}

// Decide computes the outcome from all bids, keyed by party id.
func Decide(kind protocol.AuctionKind, bids map[int]int) (*Result, error) {
	if len(bids) < 2 {
		return nil, ErrTooFewParties
	}

	type entry struct{ party, bid int }
	ranked := make([]entry, 0, len(bids))
	for party, bid := range bids {
		ranked = append(ranked, entry{party, bid})
	}
	// Highest bid first, higher party id first among equal bids.
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].bid != ranked[j].bid {
			return ranked[i].bid > ranked[j].bid
		}
		return ranked[i].party > ranked[j].party
	})

	switch kind {
	case protocol.FirstPrice:
		return &Result{WinnerPartyID: ranked[0].party, FinalPrice: ranked[0].bid}, nil
	case protocol.SecondPrice:
		return &Result{WinnerPartyID: ranked[0].party, FinalPrice: ranked[1].bid}, nil
	case protocol.Sum:
		sum := 0
		for _, e := range ranked {
			sum += e.bid
		}
		return &Result{WinnerPartyID: NoWinner, FinalPrice: sum}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}
