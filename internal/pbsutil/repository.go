// Package pbsutil is the PBS Adapter (spec §4.3): builds repository
// strings and archive specs, verifies repository accessibility, and
// submits per-run archive backups to Proxmox Backup Server via the
// proxmox-backup-client CLI.
package pbsutil

import (
	"fmt"
	"strconv"
	"strings"
)

// RepositoryParts are the pieces build_repository assembles, per spec §6's
// grammar: [user[!token]@][host[:port]:]datastore.
type RepositoryParts struct {
	Username  string
	TokenName string
	Server    string
	Port      int
	Datastore string
}

// ErrMissingDatastore is returned when Datastore is empty.
var ErrMissingDatastore = fmt.Errorf("pbsutil: datastore is required")

// BuildRepository formats a PBS repository string from its parts.
func BuildRepository(p RepositoryParts) (string, error) {
	if p.Datastore == "" {
		return "", ErrMissingDatastore
	}

	var b strings.Builder
	if p.Username != "" {
		b.WriteString(p.Username)
		if p.TokenName != "" {
			b.WriteString("!")
			b.WriteString(p.TokenName)
		}
		b.WriteString("@")
	}
	if p.Server != "" {
		b.WriteString(p.Server)
		if p.Port != 0 {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(p.Port))
		}
		b.WriteString(":")
	}
	b.WriteString(p.Datastore)
	return b.String(), nil
}

// ParseRepository is the inverse of BuildRepository, used by the round-trip
// property in spec §8.
func ParseRepository(repo string) (RepositoryParts, error) {
	var p RepositoryParts

	if at := strings.LastIndex(repo, "@"); at >= 0 {
		userPart := repo[:at]
		repo = repo[at+1:]
		if bang := strings.Index(userPart, "!"); bang >= 0 {
			p.Username = userPart[:bang]
			p.TokenName = userPart[bang+1:]
		} else {
			p.Username = userPart
		}
	}

	// What remains is either "datastore" or "host[:port]:datastore".
	parts := strings.Split(repo, ":")
	switch len(parts) {
	case 1:
		p.Datastore = parts[0]
	case 2:
		p.Server = parts[0]
		p.Datastore = parts[1]
	case 3:
		p.Server = parts[0]
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return p, fmt.Errorf("pbsutil.ParseRepository: invalid port %q: %w", parts[1], err)
		}
		p.Port = port
		p.Datastore = parts[2]
	default:
		return p, fmt.Errorf("pbsutil.ParseRepository: malformed repository %q", repo)
	}

	if p.Datastore == "" {
		return p, ErrMissingDatastore
	}
	return p, nil
}
