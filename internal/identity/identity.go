// Package identity names remote objects independently of transport.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidIdentity = errors.New("identity: invalid identity")

// Identity is the stable (name, category) key of a remote object.
// The zero value is the null identity.
type Identity struct {
	Name     string
	Category string
}

// New returns an identity with the given name and category.
func New(name, category string) Identity {
	return Identity{Name: name, Category: category}
}

// IsZero reports whether id is the null identity.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Category == ""
}

// String renders id as "category/name" (or "name" when there is no
// category), escaping separators.
func (id Identity) String() string {
	if id.Category == "" {
		return escape(id.Name)
	}
	return escape(id.Category) + "/" + escape(id.Name)
}

// Parse is the inverse of Identity.String.
func Parse(s string) (Identity, error) {
	slash := -1
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' {
			i++
			continue
		}
		if s[i] == '/' {
			if slash != -1 {
				return Identity{}, fmt.Errorf("%w: %q has more than one unescaped '/'", ErrInvalidIdentity, s)
			}
			slash = i
		}
	}
	var id Identity
	var err error
	if slash == -1 {
		id.Name, err = unescape(s)
	} else {
		if id.Category, err = unescape(s[:slash]); err == nil {
			id.Name, err = unescape(s[slash+1:])
		}
	}
	if err != nil {
		return Identity{}, err
	}
	if id.Name == "" {
		return Identity{}, fmt.Errorf("%w: %q has an empty name", ErrInvalidIdentity, s)
	}
	return id, nil
}

const specials = "/\\ :@\t\n\r\""

func escape(s string) string {
	if !strings.ContainsAny(s, specials) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if strings.IndexByte(specials, c) >= 0 {
				b.WriteByte('\\')
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", fmt.Errorf("%w: trailing escape in %q", ErrInvalidIdentity, s)
		}
		switch s[i] {
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}
