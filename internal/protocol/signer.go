package protocol

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidSignature is returned when a signature cannot be recovered.
var ErrInvalidSignature = errors.New("protocol: invalid signature")

// UserRole is the role an authorization is granted for. The venue checks
// the signer holds the role on the subject account.
type UserRole uint8

const (
	RoleOwner UserRole = iota
	RoleTrader
	RoleDepositor
	RoleWithdrawer
)

func (r UserRole) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleTrader:
		return "trader"
	case RoleDepositor:
		return "depositor"
	case RoleWithdrawer:
		return "withdrawer"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseUserRole parses the lower-case role name.
func ParseUserRole(s string) (UserRole, error) {
	for _, r := range []UserRole{RoleOwner, RoleTrader, RoleDepositor, RoleWithdrawer} {
		if strings.EqualFold(s, r.String()) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown user role %q", s)
}

// Signer signs 32-byte digests with a secp256k1 key.
type Signer interface {
	Address() common.Address
	Sign(digest common.Hash) ([]byte, error)
}

// KeySigner is a Signer backed by an in-memory private key.
type KeySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps a private key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// KeySignerFromHex parses a hex private key, with or without 0x prefix.
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("protocol: parse private key: %w", err)
	}
	return NewKeySigner(key), nil
}

func (s *KeySigner) Address() common.Address { return s.addr }

// Sign returns a 65-byte [R || S || V] signature, V in {0, 1}.
func (s *KeySigner) Sign(digest common.Hash) ([]byte, error) {
	return crypto.Sign(digest.Bytes(), s.key)
}

// Scope binds authorizations to one deployment:
//
//	scope = keccak256(chainId as uint256 || protocolAddress)
func Scope(chainID uint64, protocolAddress common.Address) common.Hash {
	return crypto.Keccak256Hash(word(chainID), protocolAddress.Bytes())
}

// AuthorizationDigest is the message signed to authorize a user action:
//
//	keccak256(scope || nonce as uint256 || subjectId as uint256 || role as uint8)
func AuthorizationDigest(scope common.Hash, nonce, subjectID uint64, role UserRole) common.Hash {
	return crypto.Keccak256Hash(scope.Bytes(), word(nonce), word(subjectID), []byte{byte(role)})
}

// RecoverSigner returns the address that produced sig over digest. V may
// be 0/1 or 27/28.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func word(v uint64) []byte {
	b := make([]byte, 32)
	binary.BigEndian.PutUint64(b[24:], v)
	return b
}

// Authorization accompanies every user-authorizing request.
type Authorization struct {
	Signer    common.Address `json:"signer"`
	Nonce     uint64         `json:"nonce,string"`
	SubjectID uint64         `json:"subjectId,string"`
	Role      UserRole       `json:"role"`
	Signature string         `json:"signature"`
}

// Verify checks that the signature was produced by a.Signer under scope.
func (a Authorization) Verify(scope common.Hash) error {
	sig, err := hexutil.Decode(a.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	addr, err := RecoverSigner(AuthorizationDigest(scope, a.Nonce, a.SubjectID, a.Role), sig)
	if err != nil {
		return err
	}
	if addr != a.Signer {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrInvalidSignature, addr.Hex(), a.Signer.Hex())
	}
	return nil
}
