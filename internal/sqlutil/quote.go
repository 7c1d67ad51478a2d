// Package sqlutil builds the MySQL identifiers of the run ledger.
package sqlutil

import (
	"fmt"
	"regexp"
	"strings"
)

// maxIdentifierLength is the MySQL limit for table names.
const maxIdentifierLength = 64

// prefixPattern restricts table prefixes to a letter followed by letters,
// digits and underscores.
var prefixPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// QuoteIdentifier quotes a MySQL identifier with backticks, doubling any
// backtick inside it.
// Example: "goscrape_run" -> "`goscrape_run`"
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// InvalidPrefixError is returned for a table prefix that cannot form a
// ledger table name.
type InvalidPrefixError struct {
	Prefix string
	Reason string
}

func (e *InvalidPrefixError) Error() string {
	return fmt.Sprintf("invalid identifier prefix %q: %s", e.Prefix, e.Reason)
}

// TableName returns the quoted table name <prefix>_<suffix>. The prefix
// comes from configuration, so it is validated before use in DDL.
func TableName(prefix, suffix string) (string, error) {
	if !prefixPattern.MatchString(prefix) {
		return "", &InvalidPrefixError{Prefix: prefix, Reason: "must start with a letter and contain only letters, digits and underscores"}
	}
	name := prefix + "_" + suffix
	if len(name) > maxIdentifierLength {
		return "", &InvalidPrefixError{Prefix: prefix, Reason: fmt.Sprintf("table name %s exceeds %d characters", name, maxIdentifierLength)}
	}
	return QuoteIdentifier(name), nil
}
