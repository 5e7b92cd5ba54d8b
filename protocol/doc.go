// Package protocol defines the session setup protocol spoken between an auction
// host and its members, together with the configuration and synchronization
// types shared by both sides.
//
// # Session Workflow
//
// A session is driven through a fixed sequence of phases. Every phase is bounded
// by a configured duration, and every expected reply is awaited on a one-shot
// Gate:
//
//  1. Registration: members connect and send Join with their member id.
//  2. Address collection: the host sends RequestAddressInfo to every registered
//     member, which answers with AddressInfo carrying its evaluation port.
//  3. Config distribution: the host assigns party ids (1 is the host, members
//     get 2..N in a shuffled order), builds the AddressTable and sends each member
//     a personalized SessionConfig. Members acknowledge with ReadyForComputation.
//  4. Computation run: the host walks the start order (descending party id),
//     sending RequestComputationStart to one member at a time and waiting for its
//     ComputationStarted before moving on. The host starts its own evaluation last.
//
// # Wire Format
//
// Each connection carries newline-delimited JSON envelopes:
//
//	{"type":"join","payload":{"member_id":7}}
//
// The only compound payload is the address table inside SessionConfig, which is
// an ordered list of "partyId:ip:port" strings (see AddressTable).
//
// The protocol carries no version field and no authentication. Confidentiality of
// bids is the responsibility of the computation engine.
package protocol
