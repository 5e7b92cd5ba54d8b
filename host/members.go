package host

import (
	"slices"

	"github.com/flashbots/auctionsession/protocol"
)

type connID int

const unsetPort = -1

// memberData is the host's view of one registered member. It is only touched
// with Host.mu held.
type memberData struct {
	memberID int
	partyID  int
	evalPort int
	ready    bool
}

func newMemberData(memberID int) *memberData {
	return &memberData{
		memberID: memberID,
		partyID:  protocol.UnsetPartyID,
		evalPort: unsetPort,
	}
}

func (m *memberData) hasEvalPort() bool {
	return m.evalPort != unsetPort
}

// memberTable holds registered members keyed by their connection.
type memberTable map[connID]*memberData

func (t memberTable) hasMemberID(memberID int) bool {
	for _, m := range t {
		if m.memberID == memberID {
			return true
		}
	}
	return false
}

func (t memberTable) allEvalPortsSet() bool {
	for _, m := range t {
		if !m.hasEvalPort() {
			return false
		}
	}
	return true
}

func (t memberTable) allReady() bool {
	for _, m := range t {
		if !m.ready {
			return false
		}
	}
	return true
}

// sortedConns returns connection ids in ascending order so that a seeded
// shuffle yields a reproducible assignment.
func (t memberTable) sortedConns() []connID {
	ids := make([]connID, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// startOrder returns the connections of members holding a party id, highest
// party id first.
func (t memberTable) startOrder() []connID {
	ids := make([]connID, 0, len(t))
	for id, m := range t {
		if m.partyID != protocol.UnsetPartyID {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b connID) int { return t[b].partyID - t[a].partyID })
	return ids
}

// memberIDForParty resolves a party id to the member id, or -1 if the party
// is the host or no member holds it.
func (t memberTable) memberIDForParty(partyID int) int {
	if partyID <= protocol.HostPartyID {
		return -1
	}
	for _, m := range t {
		if m.partyID == partyID {
			return m.memberID
		}
	}
	return -1
}
