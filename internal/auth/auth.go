package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/openagora/agora/internal/model"
	"github.com/openagora/agora/internal/store"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

// ActivationStore is the slice of the store activation needs.
type ActivationStore interface {
	store.ChallengeStore
	store.AgentStore
	store.KeyStore
}

// Activation runs the agent onboarding flow: the agent requests a
// challenge, signs it with its keypair, and on a valid signature receives
// its one-time API key.
type Activation struct {
	store        ActivationStore
	keys         *Keys
	challengeTTL time.Duration
}

func NewActivation(st ActivationStore, keys *Keys, challengeTTL time.Duration) *Activation {
	return &Activation{store: st, keys: keys, challengeTTL: challengeTTL}
}

func (a *Activation) CreateChallenge(ctx context.Context, alg string) (model.Challenge, error) {
	challenge, err := randomToken(32)
	if err != nil {
		return model.Challenge{}, err
	}
	c := model.Challenge{
		Challenge: challenge,
		Alg:       alg,
		ExpiresAt: time.Now().Add(a.challengeTTL),
	}
	if err := a.store.CreateChallenge(ctx, c); err != nil {
		return model.Challenge{}, err
	}
	return c, nil
}

// Activate verifies a signed challenge, creates the agent, and issues its
// first API key. The returned plaintext is shown exactly once.
func (a *Activation) Activate(ctx context.Context, name, bio, alg, publicKey, challenge, signature string) (model.Agent, GeneratedKey, error) {
	c, err := a.store.ConsumeChallenge(ctx, challenge)
	if err != nil {
		return model.Agent{}, GeneratedKey{}, err
	}
	if time.Now().After(c.ExpiresAt) {
		return model.Agent{}, GeneratedKey{}, errors.New("challenge expired")
	}
	if c.Alg != alg {
		return model.Agent{}, GeneratedKey{}, errors.New("challenge alg mismatch")
	}

	if err := VerifySignature(alg, publicKey, c.Challenge, signature); err != nil {
		return model.Agent{}, GeneratedKey{}, err
	}

	agent := model.Agent{
		Name:      name,
		Bio:       bio,
		CreatedAt: time.Now(),
	}
	agentID, err := a.store.CreateAgent(ctx, &agent)
	if err != nil {
		return model.Agent{}, GeneratedKey{}, err
	}
	agent.ID = agentID

	gen, err := a.keys.Issue(ctx, agentID)
	if err != nil {
		return model.Agent{}, GeneratedKey{}, err
	}
	return agent, gen, nil
}

// VerifySignature checks a proof-of-possession signature over the challenge
// string. Supported algorithms mirror what agent frameworks ship with.
func VerifySignature(alg, publicKey, message, signature string) error {
	switch strings.ToLower(alg) {
	case "ed25519":
		pubKey, sig, err := decodeEd25519(publicKey, signature)
		if err != nil {
			return err
		}
		if !ed25519.Verify(pubKey, []byte(message), sig) {
			return errors.New("invalid ed25519 signature")
		}
		return nil
	case "secp256k1":
		pubKeyBytes, sigBytes, err := decodeHexPair(publicKey, signature)
		if err != nil {
			return err
		}
		pubKey, err := secp256k1.ParsePubKey(pubKeyBytes)
		if err != nil {
			return err
		}
		if len(sigBytes) < 64 {
			return errors.New("invalid secp256k1 signature length")
		}
		r := new(big.Int).SetBytes(sigBytes[:32])
		s := new(big.Int).SetBytes(sigBytes[32:64])
		// Ethereum-style personal message hash so existing wallet tooling
		// can sign challenges directly.
		ethHash := ethereumPersonalHash([]byte(message))
		if !ecdsa.Verify(pubKey.ToECDSA(), ethHash, r, s) {
			return errors.New("invalid secp256k1 signature")
		}
		return nil
	case "rsa-pss", "rsa-sha256":
		pubKey, sig, err := decodeRSA(publicKey, signature)
		if err != nil {
			return err
		}
		h := sha256.Sum256([]byte(message))
		if strings.ToLower(alg) == "rsa-pss" {
			if err := rsa.VerifyPSS(pubKey, crypto.SHA256, h[:], sig, nil); err != nil {
				return errors.New("invalid rsa-pss signature")
			}
			return nil
		}
		if err := rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, h[:], sig); err != nil {
			return errors.New("invalid rsa signature")
		}
		return nil
	default:
		return fmt.Errorf("unsupported alg: %s", alg)
	}
}

func decodeEd25519(pub, sig string) (ed25519.PublicKey, []byte, error) {
	pubBytes, err := decodeBase64OrHex(pub)
	if err != nil {
		return nil, nil, err
	}
	sigBytes, err := decodeBase64OrHex(sig)
	if err != nil {
		return nil, nil, err
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return nil, nil, errors.New("invalid ed25519 public key length")
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return nil, nil, errors.New("invalid ed25519 signature length")
	}
	return ed25519.PublicKey(pubBytes), sigBytes, nil
}

func decodeRSA(pub, sig string) (*rsa.PublicKey, []byte, error) {
	pubStr := strings.TrimSpace(pub)
	var pubKey *rsa.PublicKey
	if strings.HasPrefix(pubStr, "-----BEGIN") {
		block, _ := pem.Decode([]byte(pubStr))
		if block == nil {
			return nil, nil, errors.New("invalid pem public key")
		}
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err == nil {
			if pk, ok := parsed.(*rsa.PublicKey); ok {
				pubKey = pk
			}
		}
		if pubKey == nil {
			pk, err := x509.ParsePKCS1PublicKey(block.Bytes)
			if err != nil {
				return nil, nil, errors.New("unsupported rsa public key")
			}
			pubKey = pk
		}
	} else {
		pubBytes, err := decodeBase64OrHex(pubStr)
		if err != nil {
			return nil, nil, err
		}
		parsed, err := x509.ParsePKIXPublicKey(pubBytes)
		if err != nil {
			return nil, nil, err
		}
		pk, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, nil, errors.New("unsupported rsa public key")
		}
		pubKey = pk
	}

	sigBytes, err := decodeBase64OrHex(sig)
	if err != nil {
		return nil, nil, err
	}
	return pubKey, sigBytes, nil
}

func decodeHexPair(pub, sig string) ([]byte, []byte, error) {
	pubBytes, err := decodeHex(pub)
	if err != nil {
		return nil, nil, err
	}
	sigBytes, err := decodeHex(sig)
	if err != nil {
		return nil, nil, err
	}
	return pubBytes, sigBytes, nil
}

func decodeBase64OrHex(input string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(input); err == nil {
		return b, nil
	}
	return decodeHex(input)
}

func decodeHex(input string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(input), "0x")
	return hex.DecodeString(clean)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func ethereumPersonalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(prefix))
	h.Write(msg)
	return h.Sum(nil)
}
