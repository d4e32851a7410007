package sshgw

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

var ErrNoAuthMethod = errors.New("ssh gateway has no authorized keys and no password")

// AuthPolicy decides which credentials open a session.
type AuthPolicy struct {
	keys         map[string]string
	passwordHash []byte
}

// LoadAuthPolicy reads authorized keys from keysFile and the password hash
// from hash, or from passwordFile when hash is empty. Missing files are not
// an error; ending up with no method at all is.
func LoadAuthPolicy(keysFile, hash, passwordFile string) (*AuthPolicy, error) {
	p := &AuthPolicy{keys: make(map[string]string)}
	if keysFile != "" {
		data, err := os.ReadFile(keysFile)
		switch {
		case err == nil:
			if err := p.addAuthorizedKeys(data); err != nil {
				return nil, fmt.Errorf("%s: %w", keysFile, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read authorized keys: %w", err)
		}
	}
	hash = strings.TrimSpace(hash)
	if hash == "" && passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read password file: %w", err)
		}
		hash = strings.TrimSpace(string(data))
	}
	if hash != "" {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("password hash: %w", err)
		}
		p.passwordHash = []byte(hash)
	}
	if len(p.keys) == 0 && p.passwordHash == nil {
		return nil, ErrNoAuthMethod
	}
	return p, nil
}

func (p *AuthPolicy) addAuthorizedKeys(data []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 || text[0] == '#' {
			continue
		}
		key, comment, _, _, err := ssh.ParseAuthorizedKey(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		p.AddKey(key, comment)
	}
	return sc.Err()
}

// AddKey authorizes key; comment is kept for logging.
func (p *AuthPolicy) AddKey(key ssh.PublicKey, comment string) {
	if p.keys == nil {
		p.keys = make(map[string]string)
	}
	p.keys[string(key.Marshal())] = comment
}

// SetPassword installs a bcrypt hash.
func (p *AuthPolicy) SetPassword(hash string) {
	p.passwordHash = []byte(hash)
}

func (p *AuthPolicy) Methods() []string {
	var out []string
	if len(p.keys) > 0 {
		out = append(out, "publickey")
	}
	if p.passwordHash != nil {
		out = append(out, "password")
	}
	return out
}

func (p *AuthPolicy) checkKey(key ssh.PublicKey) (string, bool) {
	comment, ok := p.keys[string(key.Marshal())]
	return comment, ok
}

func (p *AuthPolicy) checkPassword(password []byte) bool {
	if p.passwordHash == nil || len(password) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(p.passwordHash, password) == nil
}

// HashPassword returns the bcrypt hash stored by `meshterm passwd`.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
