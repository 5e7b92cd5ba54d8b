package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/flashbots/auctionsession/member"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// JoinRequest asks the member process to join a hosted session.
type JoinRequest struct {
	SessionID int    `json:"session_id"`
	HostIP    string `json:"host_ip"`
	HostPort  int    `json:"host_port"`
	Bid       int    `json:"bid"`
}

// BidRequest replaces the bid of a joined session.
type BidRequest struct {
	Bid int `json:"bid"`
}

// AvailabilityResponse tells a client whether another session can be joined.
type AvailabilityResponse struct {
	Available bool  `json:"available"`
	Active    []int `json:"active"`
}

// AuctionView is a catalog entry together with the local task for it, once
// the auction was joined.
type AuctionView struct {
	protocol.Auction
	Task *member.TaskState `json:"task,omitempty"`
}

// MemberAPI exposes a member process's registry, tasks and auction catalog
// over HTTP.
type MemberAPI struct {
	registry *member.Registry
	store    member.TaskStore
	catalog  *protocol.Catalog
	log      *slog.Logger
}

type MemberAPIOption func(*MemberAPI)

// WithCatalog sets the auctions offered under /auctions. Bids for their
// sessions must reach the start price.
func WithCatalog(catalog *protocol.Catalog) MemberAPIOption {
	return func(a *MemberAPI) { a.catalog = catalog }
}

func NewMemberAPI(registry *member.Registry, store member.TaskStore, log *slog.Logger, opts ...MemberAPIOption) *MemberAPI {
	a := &MemberAPI{registry: registry, store: store, log: log}
	for _, opt := range opts {
		opt(a)
	}
	if a.catalog == nil {
		a.catalog, _ = protocol.NewCatalog()
	}
	return a
}

// RegisterRoutes registers the member routes. Browsers may call them from any
// origin.
func (a *MemberAPI) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))

		r.Get("/availability", a.handleAvailability)
		r.Get("/sessions", a.handleListSessions)
		r.Post("/sessions", a.handleJoin)
		r.Get("/sessions/{id}", a.handleGetSession)
		r.Post("/sessions/{id}/leave", a.handleLeave)
		r.Put("/sessions/{id}/bid", a.handleChangeBid)

		r.Get("/auctions", a.handleListAuctions)
		r.Get("/auctions/{id}", a.handleGetAuction)
		r.Post("/auctions/{id}/join", a.handleJoinAuction)
	})
}

func (a *MemberAPI) handleAvailability(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, &AvailabilityResponse{
		Available: a.registry.Available(),
		Active:    a.registry.Active(),
	})
}

func (a *MemberAPI) handleListSessions(w http.ResponseWriter, req *http.Request) {
	tasks, err := a.store.List(req.Context())
	if err != nil {
		a.log.Error("listing tasks", "err", err)
		http.Error(w, "could not list sessions", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []member.TaskState{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *MemberAPI) handleGetSession(w http.ResponseWriter, req *http.Request) {
	id, err := sessionIDParam(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if task, ok := a.registry.Task(id); ok {
		writeJSON(w, http.StatusOK, task)
		return
	}

	task, err := a.store.Get(req.Context(), id)
	if errors.Is(err, member.ErrTaskNotFound) {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.Error("loading task", "session", id, "err", err)
		http.Error(w, "could not load session", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *MemberAPI) handleJoin(w http.ResponseWriter, req *http.Request) {
	joinReq, err := protocol.DecodeMessage[JoinRequest](req.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	host := protocol.Address{IP: joinReq.HostIP, Port: joinReq.HostPort}
	if err := host.Valid(); err != nil {
		http.Error(w, fmt.Sprintf("invalid host address: %v", err), http.StatusBadRequest)
		return
	}
	a.join(w, joinReq.SessionID, host, joinReq.Bid)
}

func (a *MemberAPI) join(w http.ResponseWriter, sessionID int, host protocol.Address, bid int) {
	if floor := a.catalog.MinBid(sessionID); bid < floor {
		http.Error(w, fmt.Sprintf("bid cannot be lower than %d", floor), http.StatusBadRequest)
		return
	}
	if !a.registry.Join(sessionID, host, bid) {
		http.Error(w, "session already joined or no evaluation port available", http.StatusConflict)
		return
	}

	task, _ := a.registry.Task(sessionID)
	writeJSON(w, http.StatusCreated, task)
}

func (a *MemberAPI) handleListAuctions(w http.ResponseWriter, req *http.Request) {
	auctions := a.catalog.Auctions()
	views := make([]AuctionView, 0, len(auctions))
	for _, auction := range auctions {
		view, err := a.auctionView(req, auction)
		if err != nil {
			a.log.Error("loading task", "session", auction.ID, "err", err)
			http.Error(w, "could not list auctions", http.StatusInternalServerError)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *MemberAPI) handleGetAuction(w http.ResponseWriter, req *http.Request) {
	id, err := sessionIDParam(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	auction, ok := a.catalog.Lookup(id)
	if !ok {
		http.Error(w, "unknown auction", http.StatusNotFound)
		return
	}
	view, err := a.auctionView(req, auction)
	if err != nil {
		a.log.Error("loading task", "session", id, "err", err)
		http.Error(w, "could not load auction", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleJoinAuction joins the session of a catalog entry, taking the host
// address from the catalog.
func (a *MemberAPI) handleJoinAuction(w http.ResponseWriter, req *http.Request) {
	id, err := sessionIDParam(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	auction, ok := a.catalog.Lookup(id)
	if !ok {
		http.Error(w, "unknown auction", http.StatusNotFound)
		return
	}
	bidReq, err := protocol.DecodeMessage[BidRequest](req.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	a.join(w, auction.ID, auction.Host, bidReq.Bid)
}

// auctionView attaches the live task of an auction, or the stored one once the
// session ended.
func (a *MemberAPI) auctionView(req *http.Request, auction protocol.Auction) (AuctionView, error) {
	view := AuctionView{Auction: auction}
	if task, ok := a.registry.Task(auction.ID); ok {
		view.Task = &task
		return view, nil
	}
	task, err := a.store.Get(req.Context(), auction.ID)
	if errors.Is(err, member.ErrTaskNotFound) {
		return view, nil
	}
	if err != nil {
		return view, err
	}
	view.Task = &task
	return view, nil
}

func (a *MemberAPI) handleLeave(w http.ResponseWriter, req *http.Request) {
	id, err := sessionIDParam(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, active := a.registry.Task(id); !active {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if !a.registry.Leave(id) {
		http.Error(w, "session can no longer be left", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *MemberAPI) handleChangeBid(w http.ResponseWriter, req *http.Request) {
	id, err := sessionIDParam(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	bidReq, err := protocol.DecodeMessage[BidRequest](req.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if floor := a.catalog.MinBid(id); bidReq.Bid < floor {
		http.Error(w, fmt.Sprintf("bid cannot be lower than %d", floor), http.StatusBadRequest)
		return
	}
	if _, active := a.registry.Task(id); !active {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	if !a.registry.ChangeBid(id, bidReq.Bid) {
		http.Error(w, "bid can no longer be changed", http.StatusConflict)
		return
	}

	task, _ := a.registry.Task(id)
	writeJSON(w, http.StatusOK, task)
}

func sessionIDParam(req *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(req, "id"))
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q", chi.URLParam(req, "id"))
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
