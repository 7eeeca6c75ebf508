// Package srp implements the zero-knowledge login handshake: an SRP-6a
// password-authenticated key exchange over the RFC 5054 1024-bit group with
// SHA-256 hashing. The server stores only a salt and a verifier produced at
// signup; after signup, nothing password-equivalent ever crosses the wire —
// only ephemeral public values and proofs.
package srp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	ErrInvalidPublicKey = errors.New("invalid ephemeral public key")
)

const (
	saltLength    = 16
	ephemeralBits = 256
	kdfIterations = 4096
	kdfKeyLength  = 32
)

// RFC 5054 Appendix A, 1024-bit group. g = 2.
const primeHex = "EEAF0AB9ADB38DD69C33F80AFA8FC5E86072618775FF3C0B9EA2314C" +
	"9C256576D674DF7496EA81D3383B4813D692C6E0E0D5D8E250B98BE4" +
	"8E495C1D6089DAD15DC7D7B46154D6B6CE8EF4AD69B15D4982559B29" +
	"7BCF1885C529F566660E57EC68EDBC3C05726CC02FD4CBF4976EAA9A" +
	"FD5138FE8376435B9FC61D2FC0EB06E3"

var (
	groupN *big.Int
	groupG = big.NewInt(2)
	multK  *big.Int
	padLen int
)

func init() {
	n, ok := new(big.Int).SetString(strings.ToLower(primeHex), 16)
	if !ok {
		panic("srp: bad group prime")
	}
	groupN = n
	padLen = len(groupN.Bytes())
	multK = hashToInt(groupN.Bytes(), pad(groupG))
}

func pad(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) >= padLen {
		return b
	}
	out := make([]byte, padLen)
	copy(out[padLen-len(b):], b)
	return out
}

func hashToInt(parts ...[]byte) *big.Int {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func hashBytes(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func randomInt(bits int) (*big.Int, error) {
	b := make([]byte, bits/8)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return new(big.Int).SetBytes(b), nil
}

// computeX derives the private key x from identity, password and salt. The
// password is stretched with PBKDF2 before entering the group math.
func computeX(identity, password string, salt []byte) *big.Int {
	inner := hashBytes([]byte(identity + ":" + password))
	key := pbkdf2.Key(inner, salt, kdfIterations, kdfKeyLength, sha256.New)
	return new(big.Int).SetBytes(key)
}

// Enroll produces the salt and verifier stored for a new account. It runs at
// signup time, on the account-management side of the boundary.
func Enroll(identity, password string) (salt, verifier []byte, err error) {
	salt = make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	x := computeX(identity, password, salt)
	v := new(big.Int).Exp(groupG, x, groupN)
	return salt, pad(v), nil
}

// newServerEphemeral generates the server's ephemeral pair for a verifier:
// B = k*v + g^b mod N.
func newServerEphemeral(v *big.Int) (b, B *big.Int, err error) {
	b, err = randomInt(ephemeralBits)
	if err != nil {
		return nil, nil, err
	}
	B = new(big.Int).Exp(groupG, b, groupN)
	kv := new(big.Int).Mul(multK, v)
	B.Add(B, kv)
	B.Mod(B, groupN)
	return b, B, nil
}

// serverSharedKey computes the session key on the server side:
// S = (A * v^u)^b mod N, K = H(S).
func serverSharedKey(A, b, B, v *big.Int) ([]byte, error) {
	if new(big.Int).Mod(A, groupN).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}
	u := hashToInt(pad(A), pad(B))
	if u.Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}
	s := new(big.Int).Exp(v, u, groupN)
	s.Mul(s, A)
	s.Exp(s, b, groupN)
	return hashBytes(pad(s)), nil
}

// clientProof computes M1 = H(H(N) xor H(g) | H(I) | salt | A | B | K).
func clientProof(identity string, salt []byte, A, B *big.Int, key []byte) []byte {
	hn := hashBytes(groupN.Bytes())
	hg := hashBytes(pad(groupG))
	xor := make([]byte, len(hn))
	for i := range hn {
		xor[i] = hn[i] ^ hg[i]
	}
	hi := hashBytes([]byte(identity))
	return hashBytes(xor, hi, salt, pad(A), pad(B), key)
}

// serverProof computes M2 = H(A | M1 | K).
func serverProof(A *big.Int, m1, key []byte) []byte {
	return hashBytes(pad(A), m1, key)
}

// ClientSession is the client half of the handshake. It is used by the CLI
// and by tests; a browser dashboard runs the same protocol in its own code.
type ClientSession struct {
	identity string
	password string
	a        *big.Int
	pub      *big.Int
	key      []byte
	m2       []byte
}

func NewClientSession(identity, password string) (*ClientSession, error) {
	a, err := randomInt(ephemeralBits)
	if err != nil {
		return nil, err
	}
	return &ClientSession{
		identity: identity,
		password: password,
		a:        a,
		pub:      new(big.Int).Exp(groupG, a, groupN),
	}, nil
}

// PublicKey returns the client ephemeral public value A.
func (c *ClientSession) PublicKey() []byte {
	return pad(c.pub)
}

// ProveIdentity consumes the server's challenge and returns the client proof
// M1: S = (B - k*g^x)^(a + u*x) mod N, K = H(S).
func (c *ClientSession) ProveIdentity(salt, serverPublic []byte) ([]byte, error) {
	B := new(big.Int).SetBytes(serverPublic)
	if new(big.Int).Mod(B, groupN).Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}
	u := hashToInt(pad(c.pub), pad(B))
	if u.Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}

	x := computeX(c.identity, c.password, salt)
	gx := new(big.Int).Exp(groupG, x, groupN)
	base := new(big.Int).Sub(B, new(big.Int).Mul(multK, gx))
	base.Mod(base, groupN)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)

	s := new(big.Int).Exp(base, exp, groupN)
	c.key = hashBytes(pad(s))

	m1 := clientProof(c.identity, salt, c.pub, B, c.key)
	c.m2 = serverProof(c.pub, m1, c.key)
	return m1, nil
}

// VerifyServerProof checks the server's proof M2, confirming the server also
// derived the shared session key (and therefore knew the verifier).
func (c *ClientSession) VerifyServerProof(m2 []byte) bool {
	return c.m2 != nil && hmac.Equal(c.m2, m2)
}

// SessionKey returns the shared session key after a successful exchange.
func (c *ClientSession) SessionKey() []byte {
	return c.key
}
