// Package keys builds and parses the metadata keyspace.
//
// Layout:
//
//	/bldr/v1/cluster/<clusterId>/routers/<routerId>   ephemeral router registration
//	/bldr/v1/accounts/<name>                          session service accounts
//	/bldr/v1/account-ids/<id>                         account id to name index
package keys

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Key prefixes.
const (
	// Prefix is the root prefix for all bldr keys.
	Prefix = "/bldr/v1"

	// ClusterPrefix is the prefix for cluster metadata.
	ClusterPrefix = Prefix + "/cluster"

	// AccountsPrefix is the prefix for account records.
	AccountsPrefix = Prefix + "/accounts/"

	// AccountIDsPrefix is the prefix for the account id index.
	AccountIDsPrefix = Prefix + "/account-ids/"
)

// ErrInvalidKey is returned when a key cannot be parsed.
var ErrInvalidKey = errors.New("keys: invalid key format")

// RouterKeyPath returns the key for a router registration (ephemeral).
func RouterKeyPath(clusterID, routerID string) string {
	return fmt.Sprintf("%s/%s/routers/%s", ClusterPrefix, clusterID, routerID)
}

// RoutersPrefix returns the prefix for listing all routers in a cluster.
func RoutersPrefix(clusterID string) string {
	return fmt.Sprintf("%s/%s/routers/", ClusterPrefix, clusterID)
}

// ParseRouterKey parses a router key into its components.
// Returns ErrInvalidKey if the key is not a valid router key.
func ParseRouterKey(key string) (clusterID, routerID string, err error) {
	prefix := ClusterPrefix + "/"
	if !strings.HasPrefix(key, prefix) {
		return "", "", ErrInvalidKey
	}

	parts := strings.Split(key[len(prefix):], "/routers/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" || strings.Contains(parts[1], "/") {
		return "", "", ErrInvalidKey
	}
	return parts[0], parts[1], nil
}

// AccountKeyPath returns the key of an account record. The name is path
// escaped so any display name maps to a single key segment.
func AccountKeyPath(name string) string {
	return AccountsPrefix + url.PathEscape(name)
}

// ParseAccountKey returns the account name encoded in key.
func ParseAccountKey(key string) (string, error) {
	if !strings.HasPrefix(key, AccountsPrefix) {
		return "", ErrInvalidKey
	}
	escaped := key[len(AccountsPrefix):]
	if escaped == "" || strings.Contains(escaped, "/") {
		return "", ErrInvalidKey
	}
	name, err := url.PathUnescape(escaped)
	if err != nil {
		return "", ErrInvalidKey
	}
	return name, nil
}

// AccountIDKeyPath returns the index key mapping an account id to its name.
func AccountIDKeyPath(id string) string {
	return AccountIDsPrefix + url.PathEscape(id)
}
