package mailbox

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/concent-network/concent/pkg/contracts"
)

// TransferOperation is the file operation a transfer token authorizes.
type TransferOperation string

const (
	OperationUpload   TransferOperation = "upload"
	OperationDownload TransferOperation = "download"
)

// internalTokenLifetime covers mediator-to-storage calls, which must
// never expire mid-use.
const internalTokenLifetime = 10 * time.Minute

// FileDescriptor names exactly one file a token grants access to.
type FileDescriptor struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Size     uint64 `json:"size"`
}

// TransferClaims are the claims embedded in a mediator-signed transfer
// token. The gatekeeper in front of the storage cluster validates these
// before allowing a raw file operation.
type TransferClaims struct {
	jwt.RegisteredClaims
	Operation TransferOperation `json:"operation"`
	File      FileDescriptor    `json:"file"`
}

// TokenManager mints and validates file-transfer tokens. Tokens are not
// stored anywhere: possession of a valid token is the authorization.
type TokenManager struct {
	signingKey []byte
	clock      func() time.Time
}

// NewTokenManager derives the token signing key from the deployment's
// master secret. The derivation is keyed to the token purpose so the same
// secret can seed other keys without overlap.
func NewTokenManager(masterSecret string) (*TokenManager, error) {
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("concent/file-transfer-token"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("mailbox: failed to derive token key: %w", err)
	}
	return &TokenManager{signingKey: key, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (m *TokenManager) WithClock(clock func() time.Time) *TokenManager {
	m.clock = clock
	return m
}

// CreateTransferToken mints a token authorizing one client to perform one
// operation on the file named by an evidentiary document. When deadline
// is nil the token is an internal mediator-to-storage token valid for ten
// minutes.
func (m *TokenManager) CreateTransferToken(doc *contracts.Document, authorizedClientKey string, op TransferOperation, deadline *time.Time) (string, error) {
	path := doc.ResultPackagePath
	if path == "" {
		path = doc.SourcePackagePath
	}
	if path == "" {
		return "", fmt.Errorf("mailbox: document %s/%s carries no file path", doc.TaskID, doc.SubtaskID)
	}

	now := m.clock().UTC()
	exp := now.Add(internalTokenLifetime)
	if deadline != nil {
		exp = deadline.UTC()
	}

	claims := TransferClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   authorizedClientKey,
			Issuer:    "concent",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Operation: op,
		File: FileDescriptor{
			Path:     path,
			Checksum: doc.Checksum,
			Size:     doc.Size,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.signingKey)
}

// ValidateTransferToken parses and validates a transfer token, returning
// its claims. Expired or tampered tokens fail.
func (m *TokenManager) ValidateTransferToken(tokenString string) (*TransferClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TransferClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.signingKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.clock() }))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*TransferClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
