package ballot

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

// MaxVotesPerVoter is the number of votes a single account may cast per round.
const MaxVotesPerVoter = 5

// DefaultStake is the payment attached to every vote: 0.01 ether.
var DefaultStake = new(big.Int).Div(big.NewInt(params.Ether), big.NewInt(100))

var zeroAddress common.Address

// DefaultCandidates lists the candidates of the reference deployment.
var DefaultCandidates = []string{"Lionel Messi", "Cristiano Ronaldo", "Diego Maradona"}

// Network describes a chain the client may operate against.
type Network struct {
	Name    string `yaml:"name" toml:"name" json:"name"`
	ChainID uint64 `yaml:"chain_id" toml:"chain_id" json:"chain_id"`
}

var (
	// Sepolia is the public test network of the reference deployment.
	Sepolia = Network{Name: "Sepolia", ChainID: 11155111}
	// Ganache is the local development chain of the reference deployment.
	Ganache = Network{Name: "Ganache", ChainID: 1337}
)

// DefaultNetworks is the accepted-network allow-list used when none is configured.
var DefaultNetworks = []Network{Sepolia, Ganache}

// Connection is the resolved identity and network of a session.
type Connection struct {
	Account  common.Address `json:"account"`
	ChainID  uint64         `json:"chain_id"`
	Network  string         `json:"network,omitempty"`
	Accepted bool           `json:"accepted"`
}

// Candidate is a named option together with its mirrored vote count.
type Candidate struct {
	Name  string `json:"name"`
	Votes uint64 `json:"votes"`
}

// VoterRecord is the mirrored record of the current identity.
type VoterRecord struct {
	Address   common.Address `json:"address"`
	VotesCast uint64         `json:"votes_cast"`
	IsManager bool           `json:"is_manager"`
}

// ContractState holds the mirrored contract-level fields.
type ContractState struct {
	ManagerPrimary   common.Address `json:"manager_primary"`
	ManagerSecondary common.Address `json:"manager_secondary"`
	Disabled         bool           `json:"disabled"`
	Winner           string         `json:"winner,omitempty"`
	Balance          *uint256.Int   `json:"balance_wei"`
}

// HistoryEntry is one concluded round. Sequence is 1-based and assigned by
// position in the ledger's history.
type HistoryEntry struct {
	Sequence      int    `json:"sequence"`
	Winner        string `json:"winner"`
	VotesReceived uint64 `json:"votes_received"`
}

// String renders the entry the way the history list displays it.
func (h HistoryEntry) String() string {
	return fmt.Sprintf("%d. Winner: %s with %d votes", h.Sequence, h.Winner, h.VotesReceived)
}

// Mirror is a point-in-time copy of the locally cached ledger state.
type Mirror struct {
	Connection Connection     `json:"connection"`
	Candidates []Candidate    `json:"candidates"`
	Contract   ContractState  `json:"contract"`
	Voter      VoterRecord    `json:"voter"`
	History    []HistoryEntry `json:"history"`
	Synced     bool           `json:"synced"`
	LastError  string         `json:"last_error,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so callers can never alias the store's slices.
func (m Mirror) Clone() Mirror {
	out := m
	out.Candidates = append([]Candidate(nil), m.Candidates...)
	out.History = append([]HistoryEntry(nil), m.History...)
	if m.Contract.Balance != nil {
		out.Contract.Balance = new(uint256.Int).Set(m.Contract.Balance)
	}
	return out
}

// Candidate returns the mirrored candidate with the given name.
func (m Mirror) Candidate(name string) (Candidate, bool) {
	for _, c := range m.Candidates {
		if c.Name == name {
			return c, true
		}
	}
	return Candidate{}, false
}

// HasCandidate reports whether name is part of the fixed candidate set.
func (m Mirror) HasCandidate(name string) bool {
	_, ok := m.Candidate(name)
	return ok
}

// FormatEther renders a wei amount as a decimal ether string without trailing zeros.
func FormatEther(wei *uint256.Int) string {
	if wei == nil {
		return "0"
	}
	ether := new(big.Int).SetUint64(params.Ether)
	whole, frac := new(big.Int).QuoRem(wei.ToBig(), ether, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	digits := frac.String()
	fraction := strings.Repeat("0", 18-len(digits)) + digits
	fraction = strings.TrimRight(fraction, "0")
	return whole.String() + "." + fraction
}
