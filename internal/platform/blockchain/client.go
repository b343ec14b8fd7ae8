// Package blockchain submits fingerprints to an Ethereum-compatible network,
// or simulates submission when no signing key is configured.
package blockchain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Mode reports how submissions are carried out.
type Mode string

const (
	ModeLive       Mode = "live"
	ModeSimulation Mode = "simulation"
)

const (
	MainnetURL     = "https://polygon-rpc.com"
	MainnetChainID = 137
	TestnetURL     = "https://rpc-amoy.polygon.technology"
	TestnetChainID = 80002
)

// Config selects and tunes the submission mode. A non-empty PrivateKey selects
// live submission; simulation is unreachable once a key is present.
type Config struct {
	NetworkURL       string
	PrivateKey       string
	Mainnet          bool
	GasMarginPercent int
	RPCTimeout       time.Duration
	ConfirmTimeout   time.Duration

	SimulationFailureRate float64
	SimulationMinDelay    time.Duration
	SimulationMaxDelay    time.Duration
}

// Endpoint resolves the RPC URL and, when the network default is used, the
// chain id the endpoint must report. A zero chain id disables the check.
func (c Config) Endpoint() (string, int64) {
	if c.NetworkURL != "" {
		return c.NetworkURL, 0
	}
	if c.Mainnet {
		return MainnetURL, MainnetChainID
	}
	return TestnetURL, TestnetChainID
}

type submitter interface {
	submit(ctx context.Context, hash string) (string, error)
}

// Client submits hashes and returns the resulting transaction id.
type Client struct {
	mode   Mode
	sub    submitter
	logger zerolog.Logger
}

// NewClient builds a client for cfg. In live mode the RPC endpoint is dialed
// here; HTTP endpoints connect lazily on the first call.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	logger = logger.With().Str("component", "blockchain").Logger()

	if cfg.PrivateKey == "" {
		logger.Warn().
			Float64("failure_rate", cfg.SimulationFailureRate).
			Msg("no signing key configured, submissions are SIMULATED")
		return &Client{mode: ModeSimulation, sub: newSimulator(cfg), logger: logger}, nil
	}

	url, _ := cfg.Endpoint()
	ec, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	live, err := newLiveSubmitter(cfg, ec, logger)
	if err != nil {
		ec.Close()
		return nil, err
	}
	logger.Info().Str("network_url", url).Str("from", live.from.Hex()).Msg("live blockchain submission enabled")
	return &Client{mode: ModeLive, sub: live, logger: logger}, nil
}

// Mode reports whether submissions are live or simulated.
func (c *Client) Mode() Mode { return c.mode }

// Submit places hash on chain and returns the transaction id. Every failure is
// a *SubmissionError.
func (c *Client) Submit(ctx context.Context, hash string) (string, error) {
	start := time.Now()
	txID, err := c.sub.submit(ctx, hash)
	if err != nil {
		err = submissionErr(OpSend, err)
		c.logger.Debug().Err(err).Str("hash", hash).Dur("elapsed", time.Since(start)).Msg("submission failed")
		return "", err
	}
	c.logger.Debug().Str("hash", hash).Str("tx_id", txID).Dur("elapsed", time.Since(start)).Msg("submission confirmed")
	return txID, nil
}
