// Command demo runs a host and several members in one process and prints the
// outcome of their session.
//
//	go run ./cmd/demo --members 3 --kind second-price
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/auctionsession/cmd/common"
	"github.com/flashbots/auctionsession/protocol"
	"github.com/flashbots/auctionsession/services"
)

func main() {
	var (
		numMembers    = flag.Int("members", 3, "Number of members")
		kind          = flag.String("kind", string(protocol.FirstPrice), "Auction kind: first-price, second-price or sum")
		startingPrice = flag.Int("starting-price", 10, "Host starting price")
		maxBid        = flag.Int("max-bid", 100, "Upper bound of random member bids")
		basePort      = flag.Int("base-port", 8000, "First port of the deployment")
		phase         = flag.Duration("phase", 3*time.Second, "Duration of every host phase")
		logLevel      = flag.String("log-level", "info", "Log level: debug, info, warn or error")
	)
	flag.Parse()

	log, err := common.NewLogger(*logLevel, false)
	if err != nil {
		fmt.Printf("Logger error: %v\n", err)
		os.Exit(1)
	}

	config := &services.OrchestratorConfig{
		SessionID:     1,
		NumMembers:    *numMembers,
		Kind:          protocol.AuctionKind(*kind),
		StartingPrice: *startingPrice,
		MaxBid:        *maxBid,
		BasePort:      *basePort,
		PhaseDuration: *phase,
		Log:           log,
	}

	orchestrator := services.NewOrchestrator(config)
	defer orchestrator.Shutdown()

	if err := orchestrator.Deploy(); err != nil {
		fmt.Printf("Deployment failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Members:")
	for _, m := range orchestrator.Members() {
		fmt.Printf("  member %d bids %d (API %s)\n", m.MemberID, m.Bid, m.HTTPAddr)
	}

	ctx, cancel := common.SignalContext()
	defer cancel()
	ctx, cancelWait := context.WithTimeout(ctx, 10*time.Minute)
	defer cancelWait()

	report, err := orchestrator.Wait(ctx)
	if err != nil {
		fmt.Printf("Session failed: %v\n", err)
		return
	}

	fmt.Printf("\nWinner party %d (member %d), final price %d\n",
		report.Result.WinnerPartyID, report.WinnerMemberID, report.Result.FinalPrice)
	for id, task := range report.Tasks {
		fmt.Printf("  member %d: phase=%s won=%v price=%d\n", id, task.Phase, task.Won, task.FinalPrice)
	}
}
