package relay

import (
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/0gfoundation/x402-guard/internal/chain"
)

// Stats is a snapshot of the relay counters.
type Stats struct {
	TotalRelays      uint64
	SuccessfulRelays uint64
	FailedRelays     uint64
	RejectedRelays   uint64
	TotalGasUsed     uint64
	TotalGasCost     *big.Int
}

// AvgGasCost is the mean cost of a successful relay in wei.
func (s Stats) AvgGasCost() *big.Int {
	if s.SuccessfulRelays == 0 {
		return new(big.Int)
	}
	return new(big.Int).Div(s.TotalGasCost, new(big.Int).SetUint64(s.SuccessfulRelays))
}

// SuccessRate renders successful/total as a percentage with two decimals.
func (s Stats) SuccessRate() string {
	if s.TotalRelays == 0 {
		return "0%"
	}
	rate := decimal.NewFromInt(int64(s.SuccessfulRelays)).
		Div(decimal.NewFromInt(int64(s.TotalRelays))).
		Mul(decimal.NewFromInt(100))
	return rate.StringFixed(2) + "%"
}

// statsJSON is the wire form served by /health and /stats.
type statsJSON struct {
	TotalRelays      uint64 `json:"totalRelays"`
	SuccessfulRelays uint64 `json:"successfulRelays"`
	FailedRelays     uint64 `json:"failedRelays"`
	RejectedRelays   uint64 `json:"rejectedRelays"`
	TotalGasUsed     string `json:"totalGasUsed"`
	TotalGasCost     string `json:"totalGasCost"`
	AvgGasCost       string `json:"avgGasCost,omitempty"`
	SuccessRate      string `json:"successRate,omitempty"`
}

func (s Stats) wire(derived bool) statsJSON {
	out := statsJSON{
		TotalRelays:      s.TotalRelays,
		SuccessfulRelays: s.SuccessfulRelays,
		FailedRelays:     s.FailedRelays,
		RejectedRelays:   s.RejectedRelays,
		TotalGasUsed:     new(big.Int).SetUint64(s.TotalGasUsed).String(),
		TotalGasCost:     chain.FormatEther(s.TotalGasCost),
	}
	if derived {
		out.AvgGasCost = chain.FormatEther(s.AvgGasCost())
		out.SuccessRate = s.SuccessRate()
	}
	return out
}

// counters is the mutex-guarded state behind Stats.
type counters struct {
	mu sync.Mutex
	s  Stats
}

func newCounters() *counters {
	return &counters{s: Stats{TotalGasCost: new(big.Int)}}
}

func (c *counters) begin() {
	c.mu.Lock()
	c.s.TotalRelays++
	c.mu.Unlock()
}

func (c *counters) reject() {
	c.mu.Lock()
	c.s.RejectedRelays++
	c.mu.Unlock()
}

// fail records a failed submission; r may carry the gas of a reverted tx.
func (c *counters) fail(r *chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.FailedRelays++
	c.addGas(r)
}

func (c *counters) succeed(r *chain.Receipt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.SuccessfulRelays++
	c.addGas(r)
}

func (c *counters) addGas(r *chain.Receipt) {
	if r == nil {
		return
	}
	c.s.TotalGasUsed += r.GasUsed
	if r.GasCost != nil {
		c.s.TotalGasCost.Add(c.s.TotalGasCost, r.GasCost)
	}
}

func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.s
	out.TotalGasCost = new(big.Int).Set(c.s.TotalGasCost)
	return out
}

func (c *counters) reset() {
	c.mu.Lock()
	c.s = Stats{TotalGasCost: new(big.Int)}
	c.mu.Unlock()
}
