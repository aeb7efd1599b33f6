package governance

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrUnknownPrincipal = errors.New("unknown principal")
	ErrBadSignature     = errors.New("signature verification failed")
)

// RoleToken is a signed statement of an agent's current role.
type RoleToken struct {
	Agent     string    `json:"agent"`
	Archetype string    `json:"archetype"`
	Level     int       `json:"level"`
	IssuedAt  time.Time `json:"issued_at"`
	Signature string    `json:"signature,omitempty"`
}

func (t RoleToken) payload() []byte {
	unsigned := t
	unsigned.Signature = ""
	b, _ := json.Marshal(unsigned)
	return b
}

// Identity signs and verifies on behalf of principals.
type Identity interface {
	Sign(principal string, payload []byte) (string, error)
	Verify(principal string, payload []byte, signature string) error
	CurrentRole(agent string) (RoleToken, error)
}

// RoleSource reports an agent's archetype and level.
type RoleSource func(agent string) (archetype string, level int, ok bool)

// Keyring holds one ed25519 key per principal. Task sources register a
// public key only; agents get a generated key pair.
type Keyring struct {
	mu      sync.RWMutex
	private map[string]ed25519.PrivateKey
	public  map[string]ed25519.PublicKey
	roles   RoleSource
	now     func() time.Time
}

func NewKeyring(roles RoleSource) *Keyring {
	return &Keyring{
		private: make(map[string]ed25519.PrivateKey),
		public:  make(map[string]ed25519.PublicKey),
		roles:   roles,
		now:     time.Now,
	}
}

// Generate creates a key pair for principal and returns the public key.
func (k *Keyring) Generate(principal string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key for %s: %w", principal, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.private[principal] = priv
	k.public[principal] = pub
	return pub, nil
}

// Trust registers an external principal's public key.
func (k *Keyring) Trust(principal string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s: want %d bytes, got %d", principal, ed25519.PublicKeySize, len(pub))
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.public[principal] = pub
	return nil
}

// Known reports whether principal has a registered public key.
func (k *Keyring) Known(principal string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.public[principal]
	return ok
}

func (k *Keyring) Sign(principal string, payload []byte) (string, error) {
	k.mu.RLock()
	priv, ok := k.private[principal]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrincipal, principal)
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload)), nil
}

func (k *Keyring) Verify(principal string, payload []byte, signature string) error {
	k.mu.RLock()
	pub, ok := k.public[principal]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPrincipal, principal)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// CurrentRole issues a fresh signed role token for agent.
func (k *Keyring) CurrentRole(agent string) (RoleToken, error) {
	if k.roles == nil {
		return RoleToken{}, fmt.Errorf("%w: %s", ErrUnknownPrincipal, agent)
	}
	archetype, level, ok := k.roles(agent)
	if !ok {
		return RoleToken{}, fmt.Errorf("%w: %s", ErrUnknownPrincipal, agent)
	}
	tok := RoleToken{Agent: agent, Archetype: archetype, Level: level, IssuedAt: k.now().UTC()}
	sig, err := k.Sign(agent, tok.payload())
	if err != nil {
		return RoleToken{}, err
	}
	tok.Signature = sig
	return tok, nil
}

// VerifyRole checks a token previously issued by CurrentRole.
func (k *Keyring) VerifyRole(tok RoleToken) error {
	return k.Verify(tok.Agent, tok.payload(), tok.Signature)
}
