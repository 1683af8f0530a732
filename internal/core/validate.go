package core

import (
	"fmt"
	"regexp"
)

var accountIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ValidateAccounts enforces basic account contract invariants at startup.
func ValidateAccounts(accounts []Account) error {
	seen := make(map[string]bool)
	for _, account := range accounts {
		id := account.ID()
		if id == "" {
			return fmt.Errorf("account id is empty")
		}
		if !accountIDPattern.MatchString(id) {
			return fmt.Errorf("account id %q does not match %s", id, accountIDPattern.String())
		}
		if seen[id] {
			return fmt.Errorf("duplicate account id: %s", id)
		}
		seen[id] = true
	}
	return nil
}
