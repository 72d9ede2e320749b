package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"vote-service/internal/client"
	"vote-service/internal/util"
)

// Denylist holds the known automation fingerprints and disposable email
// domains. Lookups run on every request, so the active set is swapped
// atomically and reads never take a lock.
type Denylist struct {
	snapshot atomic.Value // *denylistSnapshot
}

type denylistSnapshot struct {
	signatures []string
	domains    map[string]struct{}
}

type denylistFile struct {
	Signatures []string `json:"signatures"`
	Domains    []string `json:"domains"`
}

func NewDenylist() *Denylist {
	d := &Denylist{}
	d.snapshot.Store(&denylistSnapshot{domains: map[string]struct{}{}})
	return d
}

// LoadFromFiles seeds the denylist from local JSON files. Either path may be
// empty; missing entries simply leave that set empty.
func (d *Denylist) LoadFromFiles(fingerprintPath, domainPath string) error {
	var signatures []string
	var domains []string

	if fingerprintPath != "" {
		parsed, err := readDenylistFile(fingerprintPath)
		if err != nil {
			return fmt.Errorf("failed to load fingerprint denylist: %w", err)
		}
		signatures = parsed.Signatures
	}
	if domainPath != "" {
		parsed, err := readDenylistFile(domainPath)
		if err != nil {
			return fmt.Errorf("failed to load domain denylist: %w", err)
		}
		domains = parsed.Domains
	}

	d.Replace(signatures, domains)
	util.Info("Denylist loaded from files",
		zap.Int("signatures", len(signatures)),
		zap.Int("domains", len(domains)))
	return nil
}

func readDenylistFile(path string) (*denylistFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed denylistFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("invalid denylist file %s: %w", path, err)
	}
	return &parsed, nil
}

// RefreshFromElasticsearch replaces the active set with documents from the
// denylist index. Each document carries {"kind": "signature"|"domain",
// "value": "..."}.
func (d *Denylist) RefreshFromElasticsearch(ctx context.Context, es *client.ESClient, index string) error {
	query := map[string]interface{}{
		"query": map[string]interface{}{
			"match_all": map[string]interface{}{},
		},
		"size": 10000,
	}

	res, err := es.Search(ctx, index, query)
	if err != nil {
		return fmt.Errorf("denylist search failed: %w", err)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source struct {
					Kind  string `json:"kind"`
					Value string `json:"value"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := es.ParseResponse(res, &parsed); err != nil {
		return fmt.Errorf("denylist response parse failed: %w", err)
	}

	var signatures []string
	var domains []string
	for _, hit := range parsed.Hits.Hits {
		switch hit.Source.Kind {
		case "signature":
			signatures = append(signatures, hit.Source.Value)
		case "domain":
			domains = append(domains, hit.Source.Value)
		}
	}

	d.Replace(signatures, domains)
	util.Info("Denylist refreshed from Elasticsearch",
		zap.String("index", index),
		zap.Int("signatures", len(signatures)),
		zap.Int("domains", len(domains)))
	return nil
}

// Replace swaps in a new active set. Entries are normalized to lower case so
// matching is case-insensitive.
func (d *Denylist) Replace(signatures, domains []string) {
	next := &denylistSnapshot{
		signatures: make([]string, 0, len(signatures)),
		domains:    make(map[string]struct{}, len(domains)),
	}
	for _, sig := range signatures {
		sig = strings.ToLower(strings.TrimSpace(sig))
		if sig != "" {
			next.signatures = append(next.signatures, sig)
		}
	}
	for _, domain := range domains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			next.domains[domain] = struct{}{}
		}
	}
	d.snapshot.Store(next)
}

// MatchSignature reports the first denylisted fingerprint contained in the
// client signature, substring match, case-insensitive.
func (d *Denylist) MatchSignature(signature string) (string, bool) {
	snap := d.snapshot.Load().(*denylistSnapshot)
	lowered := strings.ToLower(signature)
	for _, pattern := range snap.signatures {
		if strings.Contains(lowered, pattern) {
			return pattern, true
		}
	}
	return "", false
}

// IsDisposableDomain checks the domain and its parent domains, so a listed
// "mailinator.com" also catches "mx.mailinator.com".
func (d *Denylist) IsDisposableDomain(domain string) bool {
	snap := d.snapshot.Load().(*denylistSnapshot)
	domain = strings.ToLower(strings.TrimSpace(domain))
	for domain != "" {
		if _, ok := snap.domains[domain]; ok {
			return true
		}
		idx := strings.Index(domain, ".")
		if idx < 0 {
			return false
		}
		domain = domain[idx+1:]
	}
	return false
}
