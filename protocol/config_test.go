package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validHostConfig() *HostConfig {
	return &HostConfig{
		SessionID:            1,
		StartingPrice:        5,
		Kind:                 FirstPrice,
		RegistrationDuration: time.Second,
		SetupDuration:        time.Second,
		SetupFinishDuration:  time.Second,
		ClosureDuration:      time.Second,
		Address:              Address{IP: "127.0.0.1", Port: 7000},
		EngineAddress:        Address{IP: "127.0.0.1", Port: 5000},
		Suite:                SuiteDummy,
	}
}

func TestHostConfig_Validate(t *testing.T) {
	require.NoError(t, validHostConfig().Validate())

	cfg := validHostConfig()
	cfg.Kind = "dutch"
	require.Error(t, cfg.Validate())

	cfg = validHostConfig()
	cfg.ClosureDuration = 0
	require.ErrorContains(t, cfg.Validate(), "closure_duration")

	cfg = validHostConfig()
	cfg.StartingPrice = 0
	require.Error(t, cfg.Validate())

	cfg = validHostConfig()
	cfg.Suite = SuiteSpdz
	require.Error(t, cfg.Validate(), "spdz requires a preprocessing strategy")
	cfg.Preprocessing = PreprocessingMascot
	require.NoError(t, cfg.Validate())
}

func TestMemberConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultMemberConfig().Validate())

	cfg := DefaultMemberConfig()
	cfg.EvalPorts = nil
	require.Error(t, cfg.Validate())

	cfg = DefaultMemberConfig()
	cfg.EvalPorts = []int{5000, 5000}
	require.Error(t, cfg.Validate())

	cfg = DefaultMemberConfig()
	cfg.SetupDuration = -time.Second
	require.Error(t, cfg.Validate())
}

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("10.1.2.3:7000")
	require.NoError(t, err)
	require.Equal(t, Address{IP: "10.1.2.3", Port: 7000}, addr)
	require.Equal(t, "10.1.2.3:7000", addr.String())

	_, err = ParseAddress("10.1.2.3")
	require.Error(t, err)
	_, err = ParseAddress("10.1.2.3:0")
	require.Error(t, err)
}
