package users

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"dustdevil/internal/proto"
)

// The users file is line oriented: a role character ('@' admin, '#'
// regular), the username, a ':', and the password to end of line. ':' and
// '\' inside fields are escaped with '\'. Lines starting with '!' are
// comments; a '#' line with no unescaped colon cannot be a user definition
// and is skipped as a comment too. Leading whitespace is trimmed, trailing
// whitespace is kept (passwords may end with spaces).

const (
	commentChar = '!'
	escapeChar  = '\\'
)

const (
	DefaultUsername = "admin"
	DefaultPassword = "admin"
)

// DefaultAdmin is the user installed when the store would otherwise be
// empty.
func DefaultAdmin() proto.User {
	return proto.User{Username: DefaultUsername, Password: DefaultPassword, Role: proto.RoleAdmin}
}

// ParseLine parses one user definition of the form used both in the users
// file and in --user arguments. Returns (user, true, nil) on a definition,
// (_, false, nil) on a comment, and an error on anything else.
func ParseLine(line string) (proto.User, bool, error) {
	if line == "" {
		return proto.User{}, false, nil
	}

	roleChar := line[0]
	var role proto.UserRole
	switch roleChar {
	case commentChar:
		return proto.User{}, false, nil
	case byte(proto.RoleAdmin):
		role = proto.RoleAdmin
	case byte(proto.RoleRegular):
		role = proto.RoleRegular
	default:
		return proto.User{}, false, fmt.Errorf("expected role char '@' or '#', got %q", roleChar)
	}

	rest := line[1:]
	var username strings.Builder
	escaped := false
	sep := -1
	for i := 0; i < len(rest); i++ {
		c := rest[i]
		if escaped {
			username.WriteByte(c)
			escaped = false
			continue
		}
		switch c {
		case escapeChar:
			escaped = true
		case ':':
			sep = i
		default:
			username.WriteByte(c)
		}
		if sep >= 0 {
			break
		}
	}
	if sep < 0 {
		if role == proto.RoleRegular {
			// A '#' line with no colon is a comment, not a broken user.
			return proto.User{}, false, nil
		}
		return proto.User{}, false, fmt.Errorf("expected ':' after username")
	}

	var password strings.Builder
	escaped = false
	for i := sep + 1; i < len(rest); i++ {
		c := rest[i]
		if escaped {
			password.WriteByte(c)
			escaped = false
			continue
		}
		if c == escapeChar {
			escaped = true
			continue
		}
		password.WriteByte(c)
	}

	u := proto.User{Username: username.String(), Password: password.String(), Role: role}
	if !validCredential(u.Username) {
		return proto.User{}, false, fmt.Errorf("empty or too long username")
	}
	if !validCredential(u.Password) {
		return proto.User{}, false, fmt.Errorf("empty or too long password")
	}
	return u, true, nil
}

// LoadFile reads a users file into a list of users in file order. A
// duplicated username appears once per definition; inserting the list in
// order into a Store leaves the last one.
func LoadFile(path string) ([]proto.User, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var list []proto.User
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), 1<<16)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimLeft(scanner.Text(), " \t")
		if line == "" {
			continue
		}
		u, ok, err := ParseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		if ok {
			list = append(list, u)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return list, nil
}

func escapeField(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == escapeChar || c == ':' {
			b.WriteByte(escapeChar)
		}
		b.WriteByte(c)
	}
	return b.String()
}

// SaveFile writes the store's users back in file format, one per line.
// Returns the number of users written.
func SaveFile(path string, list []proto.User) (uint64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	w := bufio.NewWriter(f)
	for _, u := range list {
		if _, err := fmt.Fprintf(w, "%c%s:%s\n", u.Role, escapeField(u.Username), escapeField(u.Password)); err != nil {
			f.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return 0, err
	}
	return uint64(len(list)), f.Close()
}
