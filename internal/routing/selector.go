// Package routing assigns a chain and an oracle triad to new jobs, spreading them evenly
// over the configured networks and the oracles registered on-chain.
package routing

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/ErlanBelekov/escrow-orchestrator/internal/domain"
)

const (
	saltNetworks          = 0x6e6574776f726b73
	saltReputationOracles = 0x72657075746174
)

// OracleFinder lists the oracles registered on-chain for a role and job type under a
// reputation oracle.
type OracleFinder interface {
	FindOracles(ctx context.Context, chainID int64, reputationOracle string, role domain.OracleRole, jobType string) ([]string, error)
}

type Triad struct {
	ReputationOracle string
	ExchangeOracle   string
	RecordingOracle  string
}

// Selector rotates through priority orders derived from a fixed seed. Replicas started
// with the same seed share the same orders; a shared Cursor makes them share the rotation.
type Selector struct {
	seed              uint64
	chains            []int64
	reputationOracles []string
	finder            OracleFinder
	cursor            Cursor
}

func NewSelector(chains []int64, reputationOracles []string, finder OracleFinder, cursor Cursor, seed uint64) (*Selector, error) {
	if len(chains) == 0 {
		return nil, errors.New("routing: no chains configured")
	}
	if len(reputationOracles) == 0 {
		return nil, errors.New("routing: no reputation oracles configured")
	}
	if cursor == nil {
		cursor = NewMemoryCursor()
	}

	oracles := normalize(reputationOracles)
	return &Selector{
		seed:              seed,
		chains:            permute(seed, saltNetworks, slices.Clone(chains)),
		reputationOracles: permute(seed, saltReputationOracles, oracles),
		finder:            finder,
		cursor:            cursor,
	}, nil
}

// SelectNetwork returns the next chain in the priority order. Within any window of
// len(chains) consecutive calls every chain appears exactly once.
func (s *Selector) SelectNetwork(ctx context.Context) (int64, error) {
	n, err := s.cursor.Next(ctx, "network")
	if err != nil {
		return 0, fmt.Errorf("network cursor: %w", err)
	}
	return s.chains[n%uint64(len(s.chains))], nil
}

func (s *Selector) SelectReputationOracle(ctx context.Context) (string, error) {
	n, err := s.cursor.Next(ctx, "reputation_oracle")
	if err != nil {
		return "", fmt.Errorf("reputation oracle cursor: %w", err)
	}
	return s.reputationOracles[n%uint64(len(s.reputationOracles))], nil
}

// SelectOracle returns the next registered oracle for role under reputationOracle on chainID.
// The rotation order is re-derived whenever the registered set changes.
func (s *Selector) SelectOracle(ctx context.Context, chainID int64, reputationOracle string, role domain.OracleRole, jobType string) (string, error) {
	found, err := s.finder.FindOracles(ctx, chainID, reputationOracle, role, jobType)
	if err != nil {
		return "", fmt.Errorf("find %s: %w", role, err)
	}
	set := normalize(found)
	if len(set) == 0 {
		return "", fmt.Errorf("%s for job type %q on chain %d: %w", role, jobType, chainID, domain.ErrNoAvailableOracle)
	}

	order := permute(s.seed, setHash(set), set)
	key := fmt.Sprintf("oracle:%d:%s:%s", chainID, strings.ToLower(reputationOracle), role)
	n, err := s.cursor.Next(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s cursor: %w", role, err)
	}
	return order[n%uint64(len(order))], nil
}

// SelectOracles picks a reputation oracle and then the exchange and recording oracles
// that work under it.
func (s *Selector) SelectOracles(ctx context.Context, chainID int64, jobType string) (Triad, error) {
	rep, err := s.SelectReputationOracle(ctx)
	if err != nil {
		return Triad{}, err
	}
	exchange, err := s.SelectOracle(ctx, chainID, rep, domain.RoleExchangeOracle, jobType)
	if err != nil {
		return Triad{}, err
	}
	recording, err := s.SelectOracle(ctx, chainID, rep, domain.RoleRecordingOracle, jobType)
	if err != nil {
		return Triad{}, err
	}
	return Triad{ReputationOracle: rep, ExchangeOracle: exchange, RecordingOracle: recording}, nil
}

// ValidateChain rejects chains this deployment does not route to.
func (s *Selector) ValidateChain(chainID int64) error {
	if !slices.Contains(s.chains, chainID) {
		return domain.NewValidationError(fmt.Sprintf("chain %d", chainID), domain.ErrChainNotSupported)
	}
	return nil
}

// ValidateOracles checks a requester-chosen triad against the configured reputation
// oracles and the oracles registered on-chain.
func (s *Selector) ValidateOracles(ctx context.Context, chainID int64, jobType string, t Triad) error {
	if err := s.ValidateChain(chainID); err != nil {
		return err
	}
	rep := strings.ToLower(t.ReputationOracle)
	if !slices.Contains(s.reputationOracles, rep) {
		return domain.NewValidationError("reputation oracle "+t.ReputationOracle, domain.ErrUnknownOracle)
	}

	for role, addr := range map[domain.OracleRole]string{
		domain.RoleExchangeOracle:  t.ExchangeOracle,
		domain.RoleRecordingOracle: t.RecordingOracle,
	} {
		found, err := s.finder.FindOracles(ctx, chainID, rep, role, jobType)
		if err != nil {
			return fmt.Errorf("find %s: %w", role, err)
		}
		if !slices.Contains(normalize(found), strings.ToLower(addr)) {
			return domain.NewValidationError(fmt.Sprintf("%s %s", role, addr), domain.ErrUnknownOracle)
		}
	}
	return nil
}

// normalize lower-cases, sorts and de-duplicates addresses so equal sets compare equal.
func normalize(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			out = append(out, a)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func setHash(set []string) uint64 {
	h := fnv.New64a()
	for _, a := range set {
		_, _ = h.Write([]byte(a))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func permute[T any](seed, salt uint64, items []T) []T {
	r := rand.New(rand.NewPCG(seed, salt))
	out := make([]T, len(items))
	for i, j := range r.Perm(len(items)) {
		out[i] = items[j]
	}
	return out
}
