package fhe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// DefaultRelayerTimeout bounds a single relayer round trip. Public
// decryption routinely takes tens of seconds.
const DefaultRelayerTimeout = 90 * time.Second

// RelayerClient is the REST client for a confidential-compute relayer.
type RelayerClient struct {
	baseURL    string
	auth       crypto.HMACAuth
	codec      domain.ClearValueCodec
	httpClient *http.Client
}

var _ domain.Decryptor = (*RelayerClient)(nil)

// NewRelayerClient creates a relayer client. auth may be empty for relayers
// that do not require credentials.
func NewRelayerClient(baseURL string, auth crypto.HMACAuth, timeout time.Duration) *RelayerClient {
	if timeout <= 0 {
		timeout = DefaultRelayerTimeout
	}
	return &RelayerClient{
		baseURL:    baseURL,
		auth:       auth,
		codec:      ABICodec{},
		httpClient: &http.Client{Timeout: timeout},
	}
}

type makeDecryptableRequest struct {
	Handles []string `json:"handles"`
}

type publicDecryptRequest struct {
	CiphertextHandles []string `json:"ciphertextHandles"`
	ExtraData         string   `json:"extraData"`
}

type publicDecryptResponse struct {
	AbiEncodedClearValues string `json:"abiEncodedClearValues"`
	DecryptionProof       string `json:"decryptionProof"`
}

// MakeDecryptable asks the relayer to allow public decryption of handles.
func (r *RelayerClient) MakeDecryptable(ctx context.Context, handles []common.Hash) error {
	req := makeDecryptableRequest{Handles: hexHandles(handles)}
	if _, err := r.doPost(ctx, "/v1/make-decryptable", req); err != nil {
		return fmt.Errorf("fhe/relayer: make decryptable: %w", err)
	}
	return nil
}

// PublicDecrypt requests the clear values and KMS proof for handles.
func (r *RelayerClient) PublicDecrypt(ctx context.Context, handles []common.Hash) (domain.DecryptionResult, error) {
	req := publicDecryptRequest{CiphertextHandles: hexHandles(handles), ExtraData: "0x00"}
	body, err := r.doPost(ctx, "/v1/public-decrypt", req)
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("fhe/relayer: public decrypt: %w", err)
	}

	var resp publicDecryptResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("fhe/relayer: decode public decrypt: %w", err)
	}
	if resp.AbiEncodedClearValues == "" || resp.DecryptionProof == "" {
		return domain.DecryptionResult{}, fmt.Errorf("fhe/relayer: public decrypt: missing fields in response")
	}
	encoded, err := hexutil.Decode(resp.AbiEncodedClearValues)
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("fhe/relayer: decode clear values: %w", err)
	}
	proof, err := hexutil.Decode(resp.DecryptionProof)
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("fhe/relayer: decode proof: %w", err)
	}
	values, err := r.codec.Decode(encoded, len(handles))
	if err != nil {
		return domain.DecryptionResult{}, fmt.Errorf("fhe/relayer: %w", err)
	}

	return domain.DecryptionResult{
		Handles:            append([]common.Hash(nil), handles...),
		ClearValues:        values,
		ClearValuesEncoded: encoded,
		DecryptionProof:    proof,
	}, nil
}

func (r *RelayerClient) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if r.auth.Enabled() {
		for k, v := range r.auth.Headers(http.MethodPost, path, data) {
			req.Header.Set(k, v)
		}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, body)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, body)
	}
}

func hexHandles(handles []common.Hash) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = h.Hex()
	}
	return out
}
