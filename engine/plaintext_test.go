package engine_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/flashbots/auctionsession/testutil"
	"github.com/stretchr/testify/require"
)

func localTable(t *testing.T, n int) protocol.AddressTable {
	ports := testutil.FreePorts(t, n)
	entries := make([]protocol.PartyAddress, n)
	for i, port := range ports {
		entries[i] = protocol.PartyAddress{PartyID: i + 1, IP: "127.0.0.1", Port: port}
	}
	table, err := protocol.NewAddressTable(entries...)
	require.NoError(t, err)
	return table
}

type evalOutcome struct {
	party  int
	result *engine.Result
	err    error
}

func runParties(t *testing.T, kind protocol.AuctionKind, table protocol.AddressTable, bids map[int]int) map[int]evalOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := make(chan evalOutcome, len(bids))
	for party, bid := range bids {
		go func(party, bid int) {
			p := engine.NewPlaintext(nil)
			p.Timeout = 5 * time.Second
			p.DialRetry = 10 * time.Millisecond
			res, err := p.Evaluate(ctx, &engine.Input{
				Kind: kind, Bid: bid, Suite: protocol.SuiteDummy, PartyID: party, Parties: table,
			})
			out <- evalOutcome{party, res, err}
		}(party, bid)
	}

	outcomes := make(map[int]evalOutcome, len(bids))
	for range bids {
		o := <-out
		outcomes[o.party] = o
	}
	return outcomes
}

func TestPlaintext_AllPartiesAgree(t *testing.T) {
	table := localTable(t, 3)
	outcomes := runParties(t, protocol.SecondPrice, table, map[int]int{1: 5, 2: 42, 3: 100})

	for party, o := range outcomes {
		require.NoError(t, o.err, "party %d", party)
		require.Equal(t, &engine.Result{WinnerPartyID: 3, FinalPrice: 42}, o.result, "party %d", party)
	}
}

func TestPlaintext_TieBreak(t *testing.T) {
	table := localTable(t, 3)
	bids := map[int]int{1: 1, 2: 10, 3: 10}

	for _, kind := range []protocol.AuctionKind{protocol.FirstPrice, protocol.SecondPrice} {
		outcomes := runParties(t, kind, table, bids)
		for party, o := range outcomes {
			require.NoError(t, o.err, "party %d", party)
			require.Equal(t, 3, o.result.WinnerPartyID)
			require.Equal(t, 10, o.result.FinalPrice)
		}
	}
}

func TestPlaintext_MissingPartyTimesOut(t *testing.T) {
	table := localTable(t, 2)

	p := engine.NewPlaintext(nil)
	p.Timeout = 200 * time.Millisecond
	p.DialRetry = 10 * time.Millisecond

	_, err := p.Evaluate(context.Background(), &engine.Input{
		Kind: protocol.FirstPrice, Bid: 4, Suite: protocol.SuiteDummy, PartyID: 1, Parties: table,
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlaintext_DetectsForgedOpening(t *testing.T) {
	table := localTable(t, 2)
	peer, _ := table.Lookup(2)

	// Party 2 is played by hand: it commits to 10 and then opens 1000.
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(peer.Port)))
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		in, err := ln.Accept()
		if err != nil {
			return
		}
		defer in.Close()

		self, _ := table.Lookup(1)
		out, err := net.Dial("tcp", self.Address().String())
		if err != nil {
			return
		}
		defer out.Close()

		nonce := make([]byte, 32)
		enc := json.NewEncoder(out)
		enc.Encode(map[string]any{"party": 2, "commitment": hex.EncodeToString(engine.Commit(2, 10, nonce))})

		var theirs map[string]any
		dec := json.NewDecoder(in)
		dec.Decode(&theirs)

		enc.Encode(map[string]any{"party": 2, "bid": 1000, "nonce": hex.EncodeToString(nonce)})
		dec.Decode(&theirs)
	}()

	p := engine.NewPlaintext(nil)
	p.Timeout = 2 * time.Second
	p.DialRetry = 10 * time.Millisecond

	_, err = p.Evaluate(context.Background(), &engine.Input{
		Kind: protocol.FirstPrice, Bid: 4, Suite: protocol.SuiteDummy, PartyID: 1, Parties: table,
	})
	require.ErrorIs(t, err, engine.ErrCommitmentMismatch)
}
