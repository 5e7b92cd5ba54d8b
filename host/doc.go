// Package host implements the coordinator side of an auction session.
//
// A Host accepts member connections for a single session and drives them
// through registration, address collection, config distribution and the
// staggered computation start before taking part in the evaluation itself with
// the starting price as its bid.
//
// Phase logic runs on the goroutine that calls Run. Inbound messages are read by
// one goroutine per connection and applied, one at a time, by a single
// dispatcher goroutine. The dispatcher only updates the member table and opens
// gates; it never advances the session itself.
package host
