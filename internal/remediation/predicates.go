package remediation

import (
	"sort"

	"vote-service/internal/config"
	"vote-service/internal/fraud"
	"vote-service/internal/models"
)

// scannedVote is the projection of one decrypted vote the classifier works
// on. It lives only for the duration of a batch callback; the plaintext
// contact is retained past the scan only inside capped report samples.
type scannedVote struct {
	voteID       string
	projectID    string
	dedupKey     string
	origin       string
	signature    string
	contact      string
	domain       string
	numericValue int64
	hasNumeric   bool
}

// classifier applies the fraud predicates in two phases. The first pass
// feeds observe, which keeps only the aggregates the velocity and
// sequential predicates need: a count per (project, origin) and the sorted
// numeric identities per project. The second pass evaluates reasons per
// record against those aggregates, so no pass ever holds more than one
// batch of decrypted votes.
type classifier struct {
	denylist *fraud.Denylist
	cfg      config.RemediationConfig
	minSig   int

	originCounts     map[string]int
	numericByProject map[string][]int64
}

func newClassifier(denylist *fraud.Denylist, fraudCfg config.FraudConfig, cfg config.RemediationConfig) *classifier {
	return &classifier{
		denylist:         denylist,
		cfg:              cfg,
		minSig:           fraudCfg.MinSignatureLength,
		originCounts:     make(map[string]int),
		numericByProject: make(map[string][]int64),
	}
}

// observe folds one vote into the aggregates.
func (c *classifier) observe(v scannedVote) {
	if v.origin != "" {
		c.originCounts[v.projectID+"|"+v.origin]++
	}
	if v.hasNumeric {
		c.numericByProject[v.projectID] = append(c.numericByProject[v.projectID], v.numericValue)
	}
}

// finalize prepares the aggregates for lookups. Must be called after the
// observe pass and before the first reasons call.
func (c *classifier) finalize() {
	for _, values := range c.numericByProject {
		sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	}
}

// reasons returns every predicate the vote matches, each at most once.
func (c *classifier) reasons(v scannedVote) []string {
	var reasons []string
	if v.domain != "" && c.denylist.IsDisposableDomain(v.domain) {
		reasons = append(reasons, models.PredicateDisposableDomain)
	}
	if _, hit := c.denylist.MatchSignature(v.signature); hit || len(v.signature) < c.minSig {
		reasons = append(reasons, models.PredicateAutomationSignature)
	}
	if v.origin != "" && c.originCounts[v.projectID+"|"+v.origin] > c.cfg.OriginVoteThreshold {
		reasons = append(reasons, models.PredicateOriginVelocity)
	}
	if v.hasNumeric && c.hasSequentialNeighbor(v.projectID, v.numericValue) {
		reasons = append(reasons, models.PredicateSequentialIdentity)
	}
	return reasons
}

// hasSequentialNeighbor reports whether another identity in the project sits
// within SequentialDistance of value. Real voters do not arrive as
// +15550000001, +15550000002, +15550000003. Identical values count as
// distance zero and do not flag on their own.
func (c *classifier) hasSequentialNeighbor(projectID string, value int64) bool {
	values := c.numericByProject[projectID]

	lo := sort.Search(len(values), func(i int) bool { return values[i] >= value })
	if lo > 0 && value-values[lo-1] <= c.cfg.SequentialDistance {
		return true
	}
	hi := sort.Search(len(values), func(i int) bool { return values[i] > value })
	if hi < len(values) && values[hi]-value <= c.cfg.SequentialDistance {
		return true
	}
	return false
}
