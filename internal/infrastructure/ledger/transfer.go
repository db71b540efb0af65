package ledger

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// LamportsPerSOL is the number of smallest units in one SOL.
const LamportsPerSOL = 1_000_000_000

// NativeAsset is the only asset the ledger settler can transfer.
const NativeAsset = "SOL"

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidSecretKey  = errors.New("invalid secret key")
	ErrInvalidBlockhash  = errors.New("invalid blockhash")
	ErrSelfTransfer      = errors.New("receiver equals payer")
	ErrAmountOutOfRange  = errors.New("amount out of range")
	maxLamportsAsFloat64 = float64(math.MaxUint64)
)

// PublicKey is a 32-byte ed25519 account address.
type PublicKey = solana.PublicKey

// ParsePublicKey decodes a base58 account address.
func ParsePublicKey(s string) (PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(s))
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pk, nil
}

// Keypair is a funded signing key.
type Keypair struct {
	private solana.PrivateKey
}

// ParseKeypair accepts a base58 string or a JSON byte array holding either a
// 64-byte secret key or a 32-byte seed.
func ParseKeypair(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSecretKey)
	}
	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var nums []int
		if err := json.Unmarshal([]byte(secret), &nums); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
		}
		raw = make([]byte, len(nums))
		for i, n := range nums {
			if n < 0 || n > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidSecretKey, i)
			}
			raw[i] = byte(n)
		}
	} else {
		decoded, err := solana.PrivateKeyFromBase58(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
		}
		raw = decoded
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return NewKeypairFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
		if !bytes.Equal(priv[ed25519.SeedSize:], raw[ed25519.SeedSize:]) {
			return nil, fmt.Errorf("%w: public half does not match seed", ErrInvalidSecretKey)
		}
		return &Keypair{private: solana.PrivateKey(priv)}, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidSecretKey, len(raw))
	}
}

// NewKeypairFromSeed derives a keypair from a 32-byte seed.
func NewKeypairFromSeed(seed []byte) *Keypair {
	return &Keypair{private: solana.PrivateKey(ed25519.NewKeyFromSeed(seed))}
}

// PublicKey returns the payer address.
func (k *Keypair) PublicKey() PublicKey {
	return k.private.PublicKey()
}

// ToLamports converts a decimal SOL amount to lamports, rounding to the
// nearest unit.
func ToLamports(amount float64) (uint64, error) {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return 0, fmt.Errorf("%w: %v", ErrAmountOutOfRange, amount)
	}
	v := math.Round(amount * LamportsPerSOL)
	if v >= maxLamportsAsFloat64 {
		return 0, fmt.Errorf("%w: %v", ErrAmountOutOfRange, amount)
	}
	return uint64(v), nil
}

// FromLamports converts lamports to SOL.
func FromLamports(lamports uint64) float64 {
	return float64(lamports) / LamportsPerSOL
}

// SignedTransfer is a serialized, signed transaction.
type SignedTransfer struct {
	Raw       []byte
	Signature string
}

// BuildTransfer builds and signs a legacy transaction holding a single System
// Program transfer of lamports from the payer to to.
func BuildTransfer(payer *Keypair, to PublicKey, lamports uint64, recentBlockhash string) (*SignedTransfer, error) {
	from := payer.PublicKey()
	if from == to {
		return nil, ErrSelfTransfer
	}
	hash, err := solana.HashFromBase58(recentBlockhash)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBlockhash, recentBlockhash)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, from, to).Build()},
		hash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return nil, fmt.Errorf("build transfer: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key == from {
			return &payer.private
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	return &SignedTransfer{Raw: raw, Signature: tx.Signatures[0].String()}, nil
}
