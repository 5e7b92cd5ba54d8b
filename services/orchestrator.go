package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/flashbots/auctionsession/engine"
	"github.com/flashbots/auctionsession/member"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/go-chi/chi/v5"
)

// OrchestratorConfig describes a local deployment of one host and several
// members on loopback.
type OrchestratorConfig struct {
	SessionID     int
	NumMembers    int
	Kind          protocol.AuctionKind
	StartingPrice int
	// Bids are assigned to members in order. Members without one bid a random
	// amount in [StartingPrice, MaxBid].
	Bids   []int
	MaxBid int

	// BasePort is the host's protocol port. The engine uses BasePort+1 and
	// member i serves its API on BasePort+2+2i and evaluates on BasePort+3+2i.
	BasePort      int
	PhaseDuration time.Duration

	Log *slog.Logger
}

// DeployedMember is one member process of a deployment.
type DeployedMember struct {
	MemberID   int
	Bid        int
	HTTPAddr   string
	Registry   *member.Registry
	Store      *MemoryTaskStore
	HTTPServer *http.Server
}

// SessionReport summarizes a finished deployment.
type SessionReport struct {
	Result         *engine.Result
	WinnerMemberID int
	Tasks          map[int]member.TaskState
}

// Orchestrator runs a complete session locally, joining members through their
// HTTP APIs like an external client would.
type Orchestrator struct {
	config     *OrchestratorConfig
	log        *slog.Logger
	httpClient *http.Client

	hosts   *HostAPI
	session *HostedSession
	members []*DeployedMember

	ctx    context.Context
	cancel context.CancelFunc
}

func NewOrchestrator(config *OrchestratorConfig) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		config:     config,
		log:        log,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		hosts:      NewHostAPI(log),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (o *Orchestrator) hostConfig() *protocol.HostConfig {
	d := o.config.PhaseDuration
	return &protocol.HostConfig{
		SessionID:            o.config.SessionID,
		StartingPrice:        o.config.StartingPrice,
		Kind:                 o.config.Kind,
		RegistrationDuration: d,
		SetupDuration:        d,
		SetupFinishDuration:  d,
		ClosureDuration:      d,
		Address:              protocol.Address{IP: "127.0.0.1", Port: o.config.BasePort},
		EngineAddress:        protocol.Address{IP: "127.0.0.1", Port: o.config.BasePort + 1},
		Suite:                protocol.SuiteDummy,
		Preprocessing:        protocol.PreprocessingDummy,
	}
}

// auction is the catalog entry every member offers for the hosted session.
func (o *Orchestrator) auction() protocol.Auction {
	return protocol.Auction{
		ID:         o.config.SessionID,
		Title:      fmt.Sprintf("Local session %d", o.config.SessionID),
		StartPrice: o.config.StartingPrice,
		StartDate:  time.Now(),
		Host:       o.hostConfig().Address,
		Kind:       o.config.Kind,
	}
}

// Deploy starts the host, starts every member and joins them to the session.
func (o *Orchestrator) Deploy() error {
	o.log.Info("starting deployment", "members", o.config.NumMembers)

	session, err := o.hosts.Start(o.ctx, o.hostConfig(), engine.NewPlaintext(o.log))
	if err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	o.session = session

	for i := 0; i < o.config.NumMembers; i++ {
		m, err := o.deployMember(i)
		if err != nil {
			return fmt.Errorf("deploy member %d: %w", i, err)
		}
		o.members = append(o.members, m)
	}

	// Wait for the host to bind before joining.
	deadline := time.Now().Add(5 * time.Second)
	for session.Host().Addr() == nil {
		if time.Now().After(deadline) {
			return fmt.Errorf("host did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, m := range o.members {
		url := fmt.Sprintf("%s/auctions/%d/join", m.HTTPAddr, o.config.SessionID)
		if err := o.postJSON(url, &BidRequest{Bid: m.Bid}); err != nil {
			return fmt.Errorf("join member %d: %w", m.MemberID, err)
		}
	}

	o.log.Info("deployment complete", "members", len(o.members))
	return nil
}

func (o *Orchestrator) deployMember(i int) (*DeployedMember, error) {
	memberID := i + 1
	apiPort := o.config.BasePort + 2 + 2*i
	evalPort := o.config.BasePort + 3 + 2*i

	bid := 0
	if i < len(o.config.Bids) {
		bid = o.config.Bids[i]
	} else {
		floor := max(o.config.StartingPrice, 1)
		bid = floor + int(randInt64(int64(max(o.config.MaxBid-floor+1, 1))))
	}

	d := o.config.PhaseDuration
	cfg := &protocol.MemberConfig{
		MemberID:             memberID,
		EvalPorts:            []int{evalPort},
		RegistrationDuration: 2 * d,
		SetupDuration:        2 * d,
		SetupFinishDuration:  4 * d,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := o.log.With("member", memberID)
	store := NewMemoryTaskStore()
	registry := member.NewRegistry(cfg, store, engine.NewPlaintext(log), log)

	catalog, err := protocol.NewCatalog(o.auction())
	if err != nil {
		registry.Close()
		return nil, err
	}

	r := chi.NewRouter()
	NewMemberAPI(registry, store, log, WithCatalog(catalog)).RegisterRoutes(r)

	addr := fmt.Sprintf("127.0.0.1:%d", apiPort)
	m := &DeployedMember{
		MemberID:   memberID,
		Bid:        bid,
		HTTPAddr:   "http://" + addr,
		Registry:   registry,
		Store:      store,
		HTTPServer: &http.Server{Addr: addr, Handler: r},
	}

	ready := make(chan error, 1)
	go func() {
		log.Info("starting member API", "addr", addr, "bid", bid)
		err := m.HTTPServer.ListenAndServe()
		if err != http.ErrServerClosed {
			log.Error("member API failed", "err", err)
		}
		ready <- err
	}()

	// Wait for server to start
	select {
	case err := <-ready:
		registry.Close()
		return nil, err
	case <-time.After(100 * time.Millisecond):
	}
	return m, nil
}

// Wait blocks until the hosted session ended and every member finished, then
// reports the outcome.
func (o *Orchestrator) Wait(ctx context.Context) (*SessionReport, error) {
	select {
	case <-o.session.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	report := &SessionReport{Tasks: make(map[int]member.TaskState)}
	result, winner, err := o.session.Outcome()
	if err != nil {
		return nil, err
	}
	report.Result = result
	report.WinnerMemberID = winner

	for _, m := range o.members {
		for {
			task, err := m.Store.Get(ctx, o.config.SessionID)
			if err == nil && task.Finished() {
				report.Tasks[m.MemberID] = task
				break
			}
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return report, nil
}

// Members returns the deployed members.
func (o *Orchestrator) Members() []*DeployedMember {
	return o.members
}

// postJSON sends a JSON POST request and expects a 2xx response.
func (o *Orchestrator) postJSON(url string, data interface{}) error {
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}

	resp, err := o.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("member returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	return nil
}

// Shutdown stops the host and every member.
func (o *Orchestrator) Shutdown() error {
	o.log.Info("shutting down deployment")
	o.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, m := range o.members {
		if err := m.HTTPServer.Shutdown(ctx); err != nil {
			o.log.Error("member API shutdown failed", "member", m.MemberID, "err", err)
		}
		m.Registry.Close()
	}
	if o.session != nil {
		<-o.session.Done()
	}
	return nil
}

// randInt64 generates a random int64 in [0, max).
func randInt64(max int64) int64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(max))
	return n.Int64()
}
