package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// BondedEscrowABI is the subset of the escrow interface this module uses.
const BondedEscrowABI = `[
{"type":"function","name":"isHealthy","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getBondBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"minBond","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"provider","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"commitmentSettled","stateMutability":"view","inputs":[{"name":"requestCommitment","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"pendingPayments","stateMutability":"view","inputs":[{"name":"requestCommitment","type":"bytes32"}],"outputs":[
  {"name":"client","type":"address"},
  {"name":"amount","type":"uint256"},
  {"name":"deadline","type":"uint256"},
  {"name":"completed","type":"bool"},
  {"name":"refunded","type":"bool"}]},
{"type":"function","name":"claimRefund","stateMutability":"nonpayable","inputs":[
  {"name":"requestCommitment","type":"bytes32"},
  {"name":"amount","type":"uint256"},
  {"name":"signature","type":"bytes"}],"outputs":[]},
{"type":"function","name":"metaClaimRefund","stateMutability":"nonpayable","inputs":[
  {"name":"requestCommitment","type":"bytes32"},
  {"name":"amount","type":"uint256"},
  {"name":"client","type":"address"},
  {"name":"deadline","type":"uint256"},
  {"name":"clientSignature","type":"bytes"},
  {"name":"serverSignature","type":"bytes"}],"outputs":[]},
{"type":"function","name":"claimTimeoutRefund","stateMutability":"nonpayable","inputs":[{"name":"requestCommitment","type":"bytes32"}],"outputs":[]}
]`

// X402InsuranceABI is the subset of the insurance interface this module uses.
const X402InsuranceABI = `[
{"type":"function","name":"purchaseInsurance","stateMutability":"nonpayable","inputs":[
  {"name":"requestCommitment","type":"bytes32"},
  {"name":"provider","type":"address"},
  {"name":"paymentAmount","type":"uint256"},
  {"name":"insuranceFee","type":"uint256"},
  {"name":"timeoutMinutes","type":"uint256"}],"outputs":[]},
{"type":"function","name":"confirmService","stateMutability":"nonpayable","inputs":[
  {"name":"requestCommitment","type":"bytes32"},
  {"name":"signature","type":"bytes"}],"outputs":[]},
{"type":"function","name":"canClaimInsurance","stateMutability":"view","inputs":[{"name":"requestCommitment","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"claimInsurance","stateMutability":"nonpayable","inputs":[{"name":"requestCommitment","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"getClaimDetails","stateMutability":"view","inputs":[{"name":"requestCommitment","type":"bytes32"}],"outputs":[
  {"name":"client","type":"address"},
  {"name":"provider","type":"address"},
  {"name":"paymentAmount","type":"uint256"},
  {"name":"insuranceFee","type":"uint256"},
  {"name":"deadline","type":"uint256"},
  {"name":"status","type":"uint8"},
  {"name":"timeLeft","type":"uint256"}]},
{"type":"function","name":"getProviderStats","stateMutability":"view","inputs":[{"name":"provider","type":"address"}],"outputs":[
  {"name":"bondBalance","type":"uint256"},
  {"name":"minBond","type":"uint256"},
  {"name":"isHealthy","type":"bool"}]}
]`

// ERC20ABI covers balance and allowance management for the payment token.
const ERC20ABI = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var (
	escrowABI    = mustParseABI(BondedEscrowABI)
	insuranceABI = mustParseABI(X402InsuranceABI)
	erc20ABI     = mustParseABI(ERC20ABI)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: parse abi: " + err.Error())
	}
	return parsed
}
