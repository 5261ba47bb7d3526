package router

import (
	"context"
	"sort"
	"time"
)

// candidate pairs a credential with its selection score inputs.
type candidate struct {
	cred     Credential
	rank     int     // tier rank, lower is tighter
	capacity float64 // max of unused rpm and tpm fractions
}

// selectKey picks the best credential for a request, excluding keys already
// attempted this call. Returns *NoKeyError when nothing qualifies.
func (r *Router) selectKey(ctx context.Context, model, tier string, attempted map[string]bool) (Credential, error) {
	now := time.Now()
	var earliestRetry time.Time

	var candidates []candidate
	for _, cred := range r.creds.Snapshot() {
		if !cred.Active || attempted[cred.KeyID] {
			continue
		}
		if model != "" && cred.Model != model {
			continue
		}
		if tier != "" && cred.Workload != tier {
			continue
		}

		until, cooling, err := r.limits.CooldownUntil(ctx, cred.KeyID)
		if err != nil {
			r.logger.Warn("cooldown lookup failed", "key_id", cred.KeyID, "error", err)
			continue
		}
		if cooling && until.After(now) {
			if earliestRetry.IsZero() || until.Before(earliestRetry) {
				earliestRetry = until
			}
			continue
		}

		candidates = append(candidates, candidate{
			cred:     cred,
			rank:     tierRank(cred.Workload),
			capacity: r.remainingCapacity(ctx, cred),
		})
	}

	if len(candidates) == 0 {
		return Credential{}, &NoKeyError{EarliestRetry: earliestRetry}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		if candidates[i].capacity != candidates[j].capacity {
			return candidates[i].capacity > candidates[j].capacity
		}
		return candidates[i].cred.KeyID < candidates[j].cred.KeyID
	})
	return candidates[0].cred, nil
}

// remainingCapacity scores a key by the larger of its unused RPM and TPM
// fractions. Unlimited dimensions count as fully free.
func (r *Router) remainingCapacity(ctx context.Context, cred Credential) float64 {
	usage, err := r.limits.Usage(ctx, cred.KeyID)
	if err != nil {
		return 0
	}
	return maxFraction(freeFraction(usage.Requests, cred.RPMLimit), freeFraction(usage.Tokens, cred.TPMLimit))
}

func freeFraction(used, limit int) float64 {
	if limit <= 0 {
		return 1.0
	}
	free := float64(limit-used) / float64(limit)
	if free < 0 {
		return 0
	}
	return free
}

func maxFraction(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
