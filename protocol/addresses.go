package protocol

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// HostPartyID is the party id always assigned to the session host.
const HostPartyID = 1

// UnsetPartyID marks a member that has not been assigned a party id yet.
const UnsetPartyID = -1

// ErrMalformedAddressTable is returned when an address table entry cannot be parsed.
var ErrMalformedAddressTable = errors.New("malformed address table")

// PartyAddress is the evaluation address of one party.
type PartyAddress struct {
	PartyID int
	IP      string
	Port    int
}

// String formats the entry as "partyId:ip:port".
func (p PartyAddress) String() string {
	return fmt.Sprintf("%d:%s:%d", p.PartyID, p.IP, p.Port)
}

// Address returns the ip and port of the party.
func (p PartyAddress) Address() Address {
	return Address{IP: p.IP, Port: p.Port}
}

// AddressTable maps party ids to evaluation addresses. It is ordered by party
// id and never modified after it has been built.
type AddressTable []PartyAddress

// NewAddressTable builds a table from the given entries, sorted by party id.
func NewAddressTable(entries ...PartyAddress) (AddressTable, error) {
	table := slices.Clone(AddressTable(entries))
	slices.SortFunc(table, func(a, b PartyAddress) int { return a.PartyID - b.PartyID })
	for i, p := range table {
		if p.PartyID < 1 {
			return nil, fmt.Errorf("%w: invalid party id %d", ErrMalformedAddressTable, p.PartyID)
		}
		if i > 0 && table[i-1].PartyID == p.PartyID {
			return nil, fmt.Errorf("%w: duplicate party id %d", ErrMalformedAddressTable, p.PartyID)
		}
	}
	return table, nil
}

// Format serializes the table for SessionConfig.
func (t AddressTable) Format() []string {
	out := make([]string, len(t))
	for i, p := range t {
		out[i] = p.String()
	}
	return out
}

// ParseAddressTable parses the serialized form produced by Format. The ip may
// not contain ':', which rules out raw IPv6 literals.
func ParseAddressTable(entries []string) (AddressTable, error) {
	parsed := make([]PartyAddress, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		if len(parts) != 3 || parts[1] == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedAddressTable, entry)
		}
		id, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%w: party id in %q", ErrMalformedAddressTable, entry)
		}
		port, err := strconv.Atoi(parts[2])
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: port in %q", ErrMalformedAddressTable, entry)
		}
		parsed = append(parsed, PartyAddress{PartyID: id, IP: parts[1], Port: port})
	}
	return NewAddressTable(parsed...)
}

// WithIP returns a copy of the table with every ip replaced.
func (t AddressTable) WithIP(ip string) AddressTable {
	out := slices.Clone(t)
	for i := range out {
		out[i].IP = ip
	}
	return out
}

// Lookup returns the entry of the given party.
func (t AddressTable) Lookup(partyID int) (PartyAddress, bool) {
	for _, p := range t {
		if p.PartyID == partyID {
			return p, true
		}
	}
	return PartyAddress{}, false
}

// Len returns the number of parties.
func (t AddressTable) Len() int {
	return len(t)
}
