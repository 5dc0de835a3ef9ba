package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CreatePolicy inserts a new policy and returns its id. A duplicate
// policy_name fails with ErrDuplicate.
func (s *Store) CreatePolicy(ctx context.Context, def PolicyDefinition) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (
			id, policy_name, rules, precedence, active,
			created_at, updated_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id,
		def.PolicyName,
		mustJSON(def.Rules),
		def.Precedence,
		boolToInt(def.Active),
		now,
		now,
		mustJSON(def.Metadata),
	)
	if isUniqueViolation(err) {
		return "", fmt.Errorf("policy %q: %w", def.PolicyName, ErrDuplicate)
	}
	if err != nil {
		return "", queryErr("create policy", err)
	}
	return id, nil
}

func scanPolicy(row interface{ Scan(...any) error }) (*PolicyRecord, error) {
	var (
		p                             PolicyRecord
		rules, metadata               string
		createdAt, updatedAt          string
		active                        int
	)
	err := row.Scan(&p.ID, &p.PolicyName, &rules, &p.Precedence, &active,
		&createdAt, &updatedAt, &metadata)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(rules), &p.Rules)       //nolint:errcheck
	json.Unmarshal([]byte(metadata), &p.Metadata) //nolint:errcheck
	p.Active = active != 0
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

const policyColumns = `id, policy_name, rules, precedence, active,
	created_at, updated_at, metadata`

// GetPolicy returns the policy with the given name, or nil when absent.
func (s *Store) GetPolicy(ctx context.Context, name string) (*PolicyRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+policyColumns+` FROM policies WHERE policy_name = ?`, name)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, queryErr("get policy", err)
	}
	return p, nil
}

// ListPolicies returns policies ordered by ascending precedence.
func (s *Store) ListPolicies(ctx context.Context, activeOnly bool) ([]PolicyRecord, error) {
	query := `SELECT ` + policyColumns + ` FROM policies`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY precedence ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, queryErr("list policies", err)
	}
	defer rows.Close()

	var policies []PolicyRecord
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, queryErr("scan policy", err)
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

// UpdatePolicy replaces the rules, precedence, active flag, and metadata
// of an existing policy.
func (s *Store) UpdatePolicy(ctx context.Context, name string, def PolicyDefinition) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET rules = ?, precedence = ?, active = ?, updated_at = ?, metadata = ?
		WHERE policy_name = ?
	`,
		mustJSON(def.Rules),
		def.Precedence,
		boolToInt(def.Active),
		now,
		mustJSON(def.Metadata),
		name,
	)
	if err != nil {
		return queryErr("update policy", err)
	}
	return nil
}

// DeletePolicy removes the policy with the given name.
func (s *Store) DeletePolicy(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE policy_name = ?`, name)
	if err != nil {
		return queryErr("delete policy", err)
	}
	return nil
}

// EvaluatePolicy walks active policies in ascending precedence and
// returns the first rule whose principal, resource, and action patterns
// all match. No match is a deny.
func (s *Store) EvaluatePolicy(ctx context.Context, principal, resource, action string) (PolicyResult, error) {
	policies, err := s.ListPolicies(ctx, true)
	if err != nil {
		return PolicyResult{}, err
	}

	for _, policy := range policies {
		for _, rule := range policy.Rules {
			if patterns.match(principal, rule.Principal) &&
				patterns.match(resource, rule.Resource) &&
				patterns.match(action, rule.Action) {
				masking := rule.MaskingRules
				if masking == nil {
					masking = []string{}
				}
				return PolicyResult{
					Effect:        rule.Effect,
					MaskingRules:  masking,
					MatchedPolicy: policy.PolicyName,
				}, nil
			}
		}
	}

	return PolicyResult{Effect: "deny", MaskingRules: []string{}}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// patternCache compiles wildcard patterns once and reuses them across
// evaluations.
type patternCache struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

var patterns = &patternCache{cache: make(map[string]*regexp.Regexp)}

// match reports whether value matches the wildcard pattern. A bare *
// matches anything; an embedded * translates to regex .*; anything else
// is an exact comparison.
func (c *patternCache) match(value, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if !containsStar(pattern) {
		return value == pattern
	}

	c.mu.Lock()
	re, ok := c.cache[pattern]
	c.mu.Unlock()
	if !ok {
		var err error
		re, err = regexp.Compile("^" + starToRegex(pattern) + "$")
		if err != nil {
			return false
		}
		c.mu.Lock()
		c.cache[pattern] = re
		c.mu.Unlock()
	}
	return re.MatchString(value)
}

func containsStar(pattern string) bool {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			return true
		}
	}
	return false
}

// starToRegex quotes regex metacharacters except *, which becomes .*.
func starToRegex(pattern string) string {
	var out []byte
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' {
			out = append(out, '.', '*')
			continue
		}
		out = append(out, regexp.QuoteMeta(string(pattern[i]))...)
	}
	return string(out)
}

// MatchPattern exposes wildcard matching to other mesh components.
func MatchPattern(value, pattern string) bool {
	return patterns.match(value, pattern)
}
