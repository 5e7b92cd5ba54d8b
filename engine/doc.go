// Package engine is the boundary to the secure computation that decides an
// auction.
//
// Coordination code only depends on the Evaluator interface. Any implementation
// must honor the outcome rules implemented by Decide:
//
//   - first price: the highest bid wins and pays its own bid,
//   - second price: the highest bid wins and pays the second highest bid, which
//     equals the highest bid when the two top bids tie,
//   - sum: no winner, the price is the sum of all bids.
//
// Ties between equal bids are broken in favor of the higher party id.
//
// The Plaintext evaluator implements the "dummy" suite. It exchanges committed
// bids between all parties over the address table and offers no privacy; it is
// meant for protocol testing, in the same spirit as dummy preprocessing.
package engine
