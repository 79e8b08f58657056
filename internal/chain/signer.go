package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"

	"automation/internal/failure"
	"automation/pkg/exception"
)

// Purpose names the intended call of a signing request.
type Purpose string

const (
	PurposeStep         Purpose = "step"
	PurposeSubmitResult Purpose = "submit_result"
	PurposeWithdraw     Purpose = "withdraw"
	PurposeDeposit      Purpose = "deposit"
	PurposeReimburse    Purpose = "reimburse_gas"
)

// SignRequest is a fully populated transaction awaiting a signature.
type SignRequest struct {
	StrategyID string
	Purpose    Purpose
	ChainID    *big.Int
	From       common.Address
	To         common.Address
	Nonce      uint64
	Gas        uint64
	GasPrice   *big.Int
	Value      *big.Int
	Data       []byte
}

func (r SignRequest) tx() *types.Transaction {
	value := r.Value
	if value == nil {
		value = new(big.Int)
	}
	to := r.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    r.Nonce,
		GasPrice: r.GasPrice,
		Gas:      r.Gas,
		To:       &to,
		Value:    value,
		Data:     r.Data,
	})
}

// Signer returns a signed, broadcast-ready transaction.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) ([]byte, error)
}

// SignerMode selects the signing strategy at startup.
type SignerMode string

const (
	SignerModeAPI   SignerMode = "api"
	SignerModeLocal SignerMode = "local"
)

func (m SignerMode) IsAvailable() bool {
	return m == SignerModeAPI || m == SignerModeLocal
}

// SignerConfig configures both signer modes; only the fields of the selected mode are read.
type SignerConfig struct {
	Mode SignerMode

	URL      string
	Secret   string
	Issuer   string
	TokenTTL time.Duration
	Timeout  time.Duration

	PrivateKey string
}

// NewSigner resolves the configured mode into one concrete signer.
func NewSigner(cfg SignerConfig) (Signer, error) {
	switch cfg.Mode {
	case SignerModeAPI:
		return NewRemoteSigner(cfg)
	case SignerModeLocal:
		return NewLocalSigner(cfg.PrivateKey)
	default:
		return nil, failure.Wrap(exception.ErrInvalidConfig, "unknown signer mode "+string(cfg.Mode))
	}
}

// LocalSigner signs in process with one key. Intended for development.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewLocalSigner parses a hex private key.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "parse signer private key")
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address is the account controlled by the key.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) Sign(ctx context.Context, req SignRequest) ([]byte, error) {
	if req.From != s.address {
		return nil, failure.Wrap(exception.ErrInvalidArgument, "local key does not control "+req.From.Hex())
	}
	if req.ChainID == nil {
		return nil, failure.Wrap(exception.ErrInvalidArgument, "chain id is required")
	}
	signed, err := types.SignTx(req.tx(), types.LatestSignerForChainID(req.ChainID), s.key)
	if err != nil {
		return nil, failure.Wrap(err, "sign transaction")
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, failure.Wrap(err, "encode signed transaction")
	}
	return raw, nil
}

// RemoteSigner asks a signing service holding the keys. Requests carry an HS256 service token.
type RemoteSigner struct {
	url      string
	secret   []byte
	issuer   string
	tokenTTL time.Duration
	http     *http.Client
}

// NewRemoteSigner builds a signer calling cfg.URL.
func NewRemoteSigner(cfg SignerConfig) (*RemoteSigner, error) {
	if cfg.URL == "" {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "signer url is required")
	}
	if cfg.Secret == "" {
		return nil, failure.Wrap(exception.ErrInvalidConfig, "signer secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "strategyd"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &RemoteSigner{
		url:      cfg.URL,
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		tokenTTL: cfg.TokenTTL,
		http:     &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type signRequestWire struct {
	StrategyID string `json:"strategyId"`
	Purpose    string `json:"purpose"`
	ChainID    string `json:"chainId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Nonce      string `json:"nonce"`
	Gas        string `json:"gas"`
	GasPrice   string `json:"gasPrice"`
	Value      string `json:"value"`
	Data       string `json:"data"`
}

type signResponseWire struct {
	SignedTransaction string `json:"signedTransaction"`
}

func decimalString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func (s *RemoteSigner) token(subject string, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *RemoteSigner) Sign(ctx context.Context, req SignRequest) ([]byte, error) {
	body, err := sonic.ConfigStd.Marshal(signRequestWire{
		StrategyID: req.StrategyID,
		Purpose:    string(req.Purpose),
		ChainID:    decimalString(req.ChainID),
		From:       req.From.Hex(),
		To:         req.To.Hex(),
		Nonce:      strconv.FormatUint(req.Nonce, 10),
		Gas:        strconv.FormatUint(req.Gas, 10),
		GasPrice:   decimalString(req.GasPrice),
		Value:      decimalString(req.Value),
		Data:       hexutil.Encode(req.Data),
	})
	if err != nil {
		return nil, failure.Wrap(err, "encode sign request")
	}
	token, err := s.token(req.StrategyID, time.Now())
	if err != nil {
		return nil, failure.Wrap(err, "sign service token")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Wrap(err, "build sign request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, failure.Wrap(err, "call signer")
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, failure.Wrap(err, "read signer response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, failure.New("signer responded " + resp.Status + ": " + truncate(string(respBody), 256))
	}

	var out signResponseWire
	if err := sonic.ConfigStd.Unmarshal(respBody, &out); err != nil {
		return nil, failure.Wrap(err, "decode signer response")
	}
	raw, err := hexutil.Decode(out.SignedTransaction)
	if err != nil || len(raw) == 0 {
		return nil, failure.New("signer returned no transaction")
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
