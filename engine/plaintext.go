package engine

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/flashbots/auctionsession/protocol"
	"golang.org/x/crypto/sha3"
)

const (
	// DefaultTimeout bounds one evaluation.
	DefaultTimeout = 2 * time.Hour
	// DefaultDialRetry is the pause between attempts to reach a peer that is not
	// listening yet.
	DefaultDialRetry = 100 * time.Millisecond

	nonceSize = 32
)

var (
	ErrCommitmentMismatch = errors.New("opening does not match commitment")
	ErrUnexpectedPeer     = errors.New("unexpected peer")
)

// Plaintext evaluates the dummy suite by exchanging bids in the clear. Each
// party first commits to its bid and only opens the commitment after it has
// received the commitments of every other party.
type Plaintext struct {
	Timeout   time.Duration
	DialRetry time.Duration
	Log       *slog.Logger
}

// NewPlaintext returns an evaluator with default bounds.
func NewPlaintext(log *slog.Logger) *Plaintext {
	if log == nil {
		log = slog.Default()
	}
	return &Plaintext{
		Timeout:   DefaultTimeout,
		DialRetry: DefaultDialRetry,
		Log:       log,
	}
}

type exchangeMessage struct {
	Party      int    `json:"party"`
	Commitment string `json:"commitment,omitempty"`
	Bid        int    `json:"bid,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
}

// Commit returns the commitment of a party to its bid.
func Commit(party, bid int, nonce []byte) []byte {
	h := sha3.New256()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(party))
	binary.BigEndian.PutUint64(buf[8:16], uint64(bid))
	h.Write(buf[:])
	h.Write(nonce)
	return h.Sum(nil)
}

// Evaluate implements Evaluator.
func (p *Plaintext) Evaluate(ctx context.Context, in *Input) (*Result, error) {
	if err := Validate(in); err != nil {
		return nil, err
	}
	if in.Suite != protocol.SuiteDummy {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSuite, in.Suite)
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := p.Log.With("party", in.PartyID)
	self, _ := in.Parties.Lookup(in.PartyID)

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("", strconv.Itoa(self.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen on evaluation port: %w", err)
	}
	defer ln.Close()

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	peers := len(in.Parties) - 1
	ex := &exchange{
		self:        in.PartyID,
		parties:     in.Parties,
		commitments: make(map[int][]byte, peers),
		bids:        map[int]int{in.PartyID: in.Bid},
		committed:   make(chan struct{}),
		revealed:    make(chan struct{}),
		failed:      make(chan error, peers+1),
	}

	go ex.acceptLoop(ctx, ln)
	context.AfterFunc(ctx, func() { ln.Close() })

	outbound, err := p.dialPeers(ctx, in)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, enc := range outbound {
			enc.conn.Close()
		}
	}()

	commitment := hex.EncodeToString(Commit(in.PartyID, in.Bid, nonce))
	for _, peer := range outbound {
		if err := peer.enc.Encode(&exchangeMessage{Party: in.PartyID, Commitment: commitment}); err != nil {
			return nil, fmt.Errorf("send commitment to party %d: %w", peer.party, err)
		}
	}
	if err := ex.wait(ctx, ex.committed); err != nil {
		return nil, err
	}
	log.Debug("received all commitments")

	opening := &exchangeMessage{Party: in.PartyID, Bid: in.Bid, Nonce: hex.EncodeToString(nonce)}
	for _, peer := range outbound {
		if err := peer.enc.Encode(opening); err != nil {
			return nil, fmt.Errorf("send opening to party %d: %w", peer.party, err)
		}
	}
	if err := ex.wait(ctx, ex.revealed); err != nil {
		return nil, err
	}

	ex.mu.Lock()
	bids := ex.bids
	ex.mu.Unlock()

	result, err := Decide(in.Kind, bids)
	if err != nil {
		return nil, err
	}
	log.Info("evaluation finished", "winner", result.WinnerPartyID, "price", result.FinalPrice)
	return result, nil
}

type outboundPeer struct {
	party int
	conn  net.Conn
	enc   *json.Encoder
}

// dialPeers connects to every other party, retrying until it listens.
func (p *Plaintext) dialPeers(ctx context.Context, in *Input) ([]outboundPeer, error) {
	retry := p.DialRetry
	if retry <= 0 {
		retry = DefaultDialRetry
	}

	var d net.Dialer
	outbound := make([]outboundPeer, 0, len(in.Parties)-1)
	for _, party := range in.Parties {
		if party.PartyID == in.PartyID {
			continue
		}
		for {
			conn, err := d.DialContext(ctx, "tcp", party.Address().String())
			if err == nil {
				outbound = append(outbound, outboundPeer{party: party.PartyID, conn: conn, enc: json.NewEncoder(conn)})
				break
			}
			select {
			case <-ctx.Done():
				for _, o := range outbound {
					o.conn.Close()
				}
				return nil, fmt.Errorf("party %d unreachable: %w", party.PartyID, ctx.Err())
			case <-time.After(retry):
			}
		}
	}
	return outbound, nil
}

// exchange collects commitments and openings received from peers.
type exchange struct {
	self    int
	parties protocol.AddressTable

	mu          sync.Mutex
	commitments map[int][]byte
	bids        map[int]int

	committed chan struct{}
	revealed  chan struct{}
	failed    chan error
}

func (ex *exchange) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case err := <-ex.failed:
		return err
	case <-ctx.Done():
		return fmt.Errorf("evaluation timed out: %w", ctx.Err())
	}
}

func (ex *exchange) fail(err error) {
	select {
	case ex.failed <- err:
	default:
	}
}

func (ex *exchange) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go ex.handlePeer(ctx, conn)
	}
}

func (ex *exchange) handlePeer(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	context.AfterFunc(ctx, func() { conn.Close() })

	dec := json.NewDecoder(conn)

	var commit exchangeMessage
	if err := dec.Decode(&commit); err != nil {
		return
	}
	commitment, err := hex.DecodeString(commit.Commitment)
	if err != nil || len(commitment) == 0 {
		ex.fail(fmt.Errorf("%w: party %d sent an invalid commitment", ErrUnexpectedPeer, commit.Party))
		return
	}
	if err := ex.addCommitment(commit.Party, commitment); err != nil {
		ex.fail(err)
		return
	}

	var open exchangeMessage
	if err := dec.Decode(&open); err != nil {
		ex.fail(fmt.Errorf("party %d did not open its commitment: %w", commit.Party, err))
		return
	}
	nonce, err := hex.DecodeString(open.Nonce)
	if err != nil || open.Party != commit.Party {
		ex.fail(fmt.Errorf("%w: malformed opening from party %d", ErrUnexpectedPeer, commit.Party))
		return
	}
	if !bytes.Equal(Commit(open.Party, open.Bid, nonce), commitment) {
		ex.fail(fmt.Errorf("%w: party %d", ErrCommitmentMismatch, open.Party))
		return
	}
	ex.addBid(open.Party, open.Bid)
}

func (ex *exchange) addCommitment(party int, commitment []byte) error {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if _, ok := ex.parties.Lookup(party); !ok || party == ex.self {
		return fmt.Errorf("%w: party %d", ErrUnexpectedPeer, party)
	}
	if _, dup := ex.commitments[party]; dup {
		return fmt.Errorf("%w: party %d committed twice", ErrUnexpectedPeer, party)
	}
	ex.commitments[party] = commitment
	if len(ex.commitments) == len(ex.parties)-1 {
		close(ex.committed)
	}
	return nil
}

func (ex *exchange) addBid(party, bid int) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.bids[party] = bid
	if len(ex.bids) == len(ex.parties) {
		close(ex.revealed)
	}
}
