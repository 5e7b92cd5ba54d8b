package protocol

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Auction is a catalog entry announcing a hosted session. Its id is the
// session id the host runs under.
type Auction struct {
	ID          int         `yaml:"id" json:"id"`
	Title       string      `yaml:"title" json:"title"`
	Description string      `yaml:"description" json:"description"`
	StartPrice  int         `yaml:"start_price" json:"start_price"`
	StartDate   time.Time   `yaml:"start_date" json:"start_date"`
	Host        Address     `yaml:"host" json:"host"`
	Kind        AuctionKind `yaml:"kind" json:"kind"`
}

// Validate checks that the auction can be joined.
func (a *Auction) Validate() error {
	if a.StartPrice < 1 {
		return fmt.Errorf("start price %d below 1", a.StartPrice)
	}
	if err := a.Host.Valid(); err != nil {
		return fmt.Errorf("host: %w", err)
	}
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown auction kind %q", a.Kind)
	}
	return nil
}

var ErrDuplicateAuction = errors.New("duplicate auction id")

// Catalog is the immutable list of auctions a member process offers to join,
// ordered by id.
type Catalog struct {
	auctions []Auction
}

// NewCatalog validates the auctions and indexes them by id.
func NewCatalog(auctions ...Auction) (*Catalog, error) {
	sorted := slices.Clone(auctions)
	slices.SortFunc(sorted, func(a, b Auction) int { return a.ID - b.ID })
	for i := range sorted {
		if err := sorted[i].Validate(); err != nil {
			return nil, fmt.Errorf("auction %d: %w", sorted[i].ID, err)
		}
		if i > 0 && sorted[i-1].ID == sorted[i].ID {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateAuction, sorted[i].ID)
		}
	}
	return &Catalog{auctions: sorted}, nil
}

// Auctions returns a copy of the entries.
func (c *Catalog) Auctions() []Auction {
	return slices.Clone(c.auctions)
}

func (c *Catalog) Lookup(id int) (Auction, bool) {
	i, found := slices.BinarySearchFunc(c.auctions, id, func(a Auction, id int) int { return a.ID - id })
	if !found {
		return Auction{}, false
	}
	return c.auctions[i], true
}

// MinBid is the lowest bid accepted for a session: the start price of its
// auction, or 1 for sessions not in the catalog.
func (c *Catalog) MinBid(sessionID int) int {
	if a, ok := c.Lookup(sessionID); ok {
		return a.StartPrice
	}
	return 1
}
