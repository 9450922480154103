package emq

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"sort"

	"golang.org/x/crypto/pbkdf2"
)

// Default broker account.
const (
	DefaultUser     = "eagle"
	DefaultPassword = "eagle"
)

const (
	passwordIterations = 4096
	passwordSaltSize   = 16
	passwordKeySize    = 32
)

// credentials is a stored user account. The password is kept only as a
// salted PBKDF2-SHA256 key.
type credentials struct {
	name string
	salt []byte
	key  []byte
	perm Perm
}

func newCredentials(name, password string, perm Perm) (*credentials, error) {
	salt := make([]byte, passwordSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	return &credentials{
		name: name,
		salt: salt,
		key:  derivePasswordKey(password, salt),
		perm: perm,
	}, nil
}

func derivePasswordKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, passwordIterations, passwordKeySize, sha256.New)
}

// verify compares password against the stored key in constant time.
func (c *credentials) verify(password string) bool {
	key := derivePasswordKey(password, c.salt)
	return subtle.ConstantTimeCompare(key, c.key) == 1
}

// userTable holds the broker accounts. It is guarded by the broker state lock.
type userTable struct {
	users map[string]*credentials
}

func newUserTable() *userTable {
	return &userTable{users: make(map[string]*credentials)}
}

func (t *userTable) add(name, password string, perm Perm) error {
	if _, ok := t.users[name]; ok {
		return statusErrorf(StatusAlreadyExists, "user %q already exists", name)
	}
	c, err := newCredentials(name, password, perm)
	if err != nil {
		return err
	}
	t.users[name] = c
	return nil
}

func (t *userTable) get(name string) (*credentials, error) {
	c, ok := t.users[name]
	if !ok {
		return nil, statusErrorf(StatusNotFound, "user %q not found", name)
	}
	return c, nil
}

// authenticate returns the account matching name and password.
func (t *userTable) authenticate(name, password string) (*credentials, bool) {
	c, ok := t.users[name]
	if !ok {
		// spend the same work on unknown names
		derivePasswordKey(password, make([]byte, passwordSaltSize))
		return nil, false
	}
	if !c.verify(password) {
		return nil, false
	}
	return c, true
}

// mutable returns the account if it may be changed.
func (t *userTable) mutable(name string) (*credentials, error) {
	c, err := t.get(name)
	if err != nil {
		return nil, err
	}
	if c.perm.Has(PermNotChange) {
		return nil, statusErrorf(StatusAccessDenied, "user %q cannot be changed", name)
	}
	return c, nil
}

func (t *userTable) rename(from, to string) error {
	c, err := t.mutable(from)
	if err != nil {
		return err
	}
	if _, ok := t.users[to]; ok {
		return statusErrorf(StatusAlreadyExists, "user %q already exists", to)
	}
	delete(t.users, from)
	c.name = to
	t.users[to] = c
	return nil
}

func (t *userTable) setPerm(name string, perm Perm) error {
	c, err := t.mutable(name)
	if err != nil {
		return err
	}
	c.perm = perm
	return nil
}

func (t *userTable) remove(name string) error {
	if _, err := t.mutable(name); err != nil {
		return err
	}
	delete(t.users, name)
	return nil
}

// flush removes every account except those marked PermNotChange.
func (t *userTable) flush() {
	for name, c := range t.users {
		if !c.perm.Has(PermNotChange) {
			delete(t.users, name)
		}
	}
}

// list returns the accounts sorted by name, without passwords.
func (t *userTable) list() []User {
	out := make([]User, 0, len(t.users))
	for _, c := range t.users {
		out = append(out, User{Name: c.name, Perm: c.perm})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (t *userTable) len() int {
	return len(t.users)
}
