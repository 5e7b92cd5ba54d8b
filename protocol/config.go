package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// EmulatorHostIP is the loopback address of the host machine as seen from an
// emulated member. When MemberConfig.Emulator is set, every address the member
// uses is rewritten to it.
const EmulatorHostIP = "10.0.2.2"

// AuctionKind selects the function evaluated by the computation engine.
type AuctionKind string

const (
	FirstPrice  AuctionKind = "first-price"
	SecondPrice AuctionKind = "second-price"
	// Sum is not an auction: the engine returns the sum of all bids and no winner.
	// It exists to exercise the protocol end to end.
	Sum AuctionKind = "sum"
)

// Valid returns true if the kind is recognized.
func (k AuctionKind) Valid() bool {
	switch k {
	case FirstPrice, SecondPrice, Sum:
		return true
	}
	return false
}

// Suite selects the secure computation protocol suite.
type Suite string

const (
	SuiteSpdz  Suite = "spdz"
	SuiteDummy Suite = "dummy"
)

// Valid returns true if the suite is recognized.
func (s Suite) Valid() bool {
	return s == SuiteSpdz || s == SuiteDummy
}

// Preprocessing selects the preprocessing strategy for the spdz suite.
type Preprocessing string

const (
	PreprocessingMascot Preprocessing = "mascot"
	// PreprocessingDummy is not secure and only meant for testing.
	PreprocessingDummy Preprocessing = "dummy"
)

// Valid returns true if the preprocessing strategy is recognized.
func (p Preprocessing) Valid() bool {
	return p == PreprocessingMascot || p == PreprocessingDummy
}

// Address is an ip and port pair.
type Address struct {
	IP   string `yaml:"ip" json:"ip"`
	Port int    `yaml:"port" json:"port"`
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Valid returns an error if the port is out of range or the ip is empty.
func (a Address) Valid() error {
	if a.IP == "" {
		return errors.New("empty ip")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("port %d out of range", a.Port)
	}
	return nil
}

// ParseAddress parses a host:port string.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	addr := Address{IP: host, Port: port}
	if err := addr.Valid(); err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

// HostConfig configures a single hosted session. It is immutable once the host
// is constructed.
type HostConfig struct {
	SessionID     int         `yaml:"session_id" json:"session_id"`
	StartingPrice int         `yaml:"starting_price" json:"starting_price"`
	Kind          AuctionKind `yaml:"kind" json:"kind"`

	RegistrationDuration time.Duration `yaml:"registration_duration" json:"registration_duration"`
	SetupDuration        time.Duration `yaml:"setup_duration" json:"setup_duration"`
	SetupFinishDuration  time.Duration `yaml:"setup_finish_duration" json:"setup_finish_duration"`
	ClosureDuration      time.Duration `yaml:"closure_duration" json:"closure_duration"`

	// Address is where the host accepts member connections.
	Address Address `yaml:"address" json:"address"`
	// EngineAddress is published as party 1 in the address table.
	EngineAddress Address `yaml:"engine_address" json:"engine_address"`

	Suite         Suite         `yaml:"suite" json:"suite"`
	Preprocessing Preprocessing `yaml:"preprocessing" json:"preprocessing"`
}

// Validate checks the configuration for values the host cannot run with.
func (c *HostConfig) Validate() error {
	if c.StartingPrice < 1 {
		return fmt.Errorf("starting price %d below 1", c.StartingPrice)
	}
	if !c.Kind.Valid() {
		return fmt.Errorf("unknown auction kind %q", c.Kind)
	}
	if !c.Suite.Valid() {
		return fmt.Errorf("unknown suite %q", c.Suite)
	}
	if c.Suite == SuiteSpdz && !c.Preprocessing.Valid() {
		return fmt.Errorf("unknown preprocessing %q", c.Preprocessing)
	}
	durations := map[string]time.Duration{
		"registration_duration": c.RegistrationDuration,
		"setup_duration":        c.SetupDuration,
		"setup_finish_duration": c.SetupFinishDuration,
		"closure_duration":      c.ClosureDuration,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Address.Port < 0 || c.Address.Port > 65535 {
		return fmt.Errorf("address: port %d out of range", c.Address.Port)
	}
	if err := c.EngineAddress.Valid(); err != nil {
		return fmt.Errorf("engine_address: %w", err)
	}
	return nil
}

// MemberConfig configures every member run by a single process.
type MemberConfig struct {
	MemberID int `yaml:"member_id" json:"member_id"`
	// Emulator rewrites the host address and every address table entry to
	// EmulatorHostIP.
	Emulator bool `yaml:"emulator" json:"emulator"`
	// EvalPorts is the pool of local ports handed out to joined sessions.
	EvalPorts []int `yaml:"eval_ports" json:"eval_ports"`

	RegistrationDuration time.Duration `yaml:"registration_duration" json:"registration_duration"`
	SetupDuration        time.Duration `yaml:"setup_duration" json:"setup_duration"`
	SetupFinishDuration  time.Duration `yaml:"setup_finish_duration" json:"setup_finish_duration"`
}

// DefaultMemberConfig returns the configuration used when none is supplied.
func DefaultMemberConfig() *MemberConfig {
	return &MemberConfig{
		MemberID:             1,
		Emulator:             false,
		EvalPorts:            []int{5000},
		RegistrationDuration: 30 * time.Second,
		SetupDuration:        30 * time.Second,
		SetupFinishDuration:  60 * time.Second,
	}
}

// Validate checks the configuration for values a member cannot run with.
func (c *MemberConfig) Validate() error {
	if len(c.EvalPorts) == 0 {
		return errors.New("eval_ports must not be empty")
	}
	seen := make(map[int]bool, len(c.EvalPorts))
	for _, p := range c.EvalPorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("eval port %d out of range", p)
		}
		if seen[p] {
			return fmt.Errorf("eval port %d listed twice", p)
		}
		seen[p] = true
	}
	if c.RegistrationDuration <= 0 || c.SetupDuration <= 0 || c.SetupFinishDuration <= 0 {
		return errors.New("phase durations must be positive")
	}
	return nil
}
