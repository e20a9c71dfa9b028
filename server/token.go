package server

import (
	"bufio"
	"io"
	"log"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// A TokenDecoder maps the API key on an admin request to a user and role.
// Unknown keys give the user "" and RoleUnknown. The error is only for
// failures of the lookup itself.
type TokenDecoder interface {
	TokenDecode(token string) (user string, role Role, err error)
}

// A Role is what a user may do. Each role includes the ones before it.
type Role int

const (
	RoleUnknown Role = iota
	RoleRead         // look at devices, jobs and requests
	RoleOperator     // mount, unmount and release devices, answer requests
	RoleAdmin        // label volumes
)

func atoRole(s string) Role {
	switch strings.ToLower(s) {
	case "read":
		return RoleRead
	case "operator":
		return RoleOperator
	case "admin":
		return RoleAdmin
	default:
		return RoleUnknown
	}
}

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleOperator:
		return "operator"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

// NewNobodyDecoder accepts every token as the admin user "nobody". It is
// used when no token file is configured.
func NewNobodyDecoder() TokenDecoder {
	return new(nobodyDecoder)
}

type nobodyDecoder struct{}

func (nobodyDecoder) TokenDecode(token string) (user string, role Role, err error) {
	return "nobody", RoleAdmin, nil
}

// A ListDecoder is backed by a fixed table of users read from r when it is
// created. Each non-blank line of r holds one user:
//
//     <user name>  <role>  <token>
//
// separated by spaces or tabs, so neither names nor tokens may contain
// whitespace. The role is "read", "operator" or "admin" in any case. Lines
// starting with '#' are comments. Malformed lines are logged and skipped. A
// token given to two users is an error.
func NewListDecoder(r io.Reader) (TokenDecoder, error) {
	users := make(listDecoder)
	scanner := bufio.NewScanner(r)
	for lineno := 1; scanner.Scan(); lineno++ {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if len(fields) != 3 {
			log.Printf("token list line %d: expected 3 fields, found %d", lineno, len(fields))
			continue
		}
		role := atoRole(fields[1])
		if role == RoleUnknown {
			log.Printf("token list line %d: unknown role %q", lineno, fields[1])
			continue
		}
		if prev, ok := users[fields[2]]; ok {
			return nil, errors.Errorf("token list line %d: token for %s already belongs to %s", lineno, fields[0], prev.user)
		}
		users[fields[2]] = userEntry{user: fields[0], role: role}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading token list")
	}
	return users, nil
}

// NewListDecoderFile reads the token list from the named file.
func NewListDecoderFile(fname string) (TokenDecoder, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewListDecoder(f)
}

// NewListDecoderString reads the token list from data.
func NewListDecoderString(data string) (TokenDecoder, error) {
	return NewListDecoder(strings.NewReader(data))
}

// listDecoder maps each token to its user.
type listDecoder map[string]userEntry

type userEntry struct {
	user string
	role Role
}

func (ld listDecoder) TokenDecode(token string) (string, Role, error) {
	if u, ok := ld[token]; ok && token != "" {
		return u.user, u.role, nil
	}
	return "", RoleUnknown, nil
}
