package domain

import "time"

// Source tags where a resolved answer came from.
type Source string

const (
	// SourceGolden marks an answer served from the curated golden-answer store.
	SourceGolden Source = "golden"
	// SourceCache marks an answer served from the search-result cache.
	SourceCache Source = "cache"
	// SourceSearch marks an answer produced by a fresh vector search.
	SourceSearch Source = "search"
)

// QueryCluster maps a canonical question to the set of semantically
// equivalent query hashes routing to one golden answer. Clusters are created
// by an external curation process; the engine only reads them and updates
// their usage statistics.
type QueryCluster struct {
	ID                string
	CanonicalQuestion string
	MemberHashes      []string
	UsageCount        int64
	SuccessRate       float64
}

// RoutingHints carries typed routing metadata on a golden answer plus an
// opaque extension map for fields the engine does not interpret.
type RoutingHints struct {
	PreferredTier string            `json:"preferred_tier,omitempty"`
	Language      string            `json:"language,omitempty"`
	Ext           map[string]string `json:"ext,omitempty"`
}

// GoldenAnswer is a precomputed, curated answer keyed by cluster id.
// Mutated only through atomic increment/recompute operations; never deleted
// by the engine.
type GoldenAnswer struct {
	ClusterID         string
	CanonicalQuestion string
	Answer            string
	SourceCollections []string
	Hints             RoutingHints
	UsageCount        int64
	SuccessRate       float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ResolvedAnswer is the engine's terminal output for one query.
type ResolvedAnswer struct {
	Source     Source
	Answer     string
	ClusterID  string
	Candidates []Candidate
	Reranked   bool
	EarlyExit  bool
}
