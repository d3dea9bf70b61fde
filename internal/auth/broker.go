package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/iwamot/collmbo/internal/backoff"
)

const (
	agentCoreService = "bedrock-agentcore"
	userFederation   = "USER_FEDERATION"
	maxResponseBytes = 1 << 20
)

// ExchangeRequest identifies the token a user needs for one server.
type ExchangeRequest struct {
	UserID   string
	Provider string
	Scopes   []string
}

// Exchanger obtains resource access tokens.
type Exchanger interface {
	Exchange(ctx context.Context, req ExchangeRequest) (string, error)
}

// BrokerConfig configures the AgentCore Identity broker.
type BrokerConfig struct {
	Region       string
	WorkloadName string

	// Endpoint overrides https://bedrock-agentcore.{region}.amazonaws.com.
	Endpoint string

	// Credentials signs requests. Nil loads the AWS default chain.
	Credentials aws.CredentialsProvider

	HTTPClient  *http.Client
	Policy      backoff.Policy
	MaxAttempts int
	Logger      *slog.Logger
}

// AgentCoreBroker exchanges chat user identities for resource tokens
// through AgentCore Identity.
type AgentCoreBroker struct {
	endpoint    string
	region      string
	workload    string
	creds       aws.CredentialsProvider
	signer      *v4.Signer
	client      *http.Client
	policy      backoff.Policy
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewAgentCoreBroker creates a broker.
func NewAgentCoreBroker(ctx context.Context, cfg BrokerConfig) (*AgentCoreBroker, error) {
	if cfg.Region == "" {
		cfg.Region = "us-west-2"
	}
	if cfg.WorkloadName == "" {
		return nil, errors.New("auth: workload name is required")
	}
	if cfg.Credentials == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("auth: load AWS config: %w", err)
		}
		cfg.Credentials = awsCfg.Credentials
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.%s.amazonaws.com", agentCoreService, cfg.Region)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.BrokerPolicy()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &AgentCoreBroker{
		endpoint:    strings.TrimRight(cfg.Endpoint, "/"),
		region:      cfg.Region,
		workload:    cfg.WorkloadName,
		creds:       cfg.Credentials,
		signer:      v4.NewSigner(),
		client:      cfg.HTTPClient,
		policy:      cfg.Policy,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger.With("component", "auth.broker"),
		now:         time.Now,
	}, nil
}

// Exchange performs the workload-token and resource-token calls. A response
// carrying an authorization URL returns an *OAuthError with that URL.
func (b *AgentCoreBroker) Exchange(ctx context.Context, req ExchangeRequest) (string, error) {
	var workload struct {
		WorkloadAccessToken string `json:"workloadAccessToken"`
	}
	err := b.call(ctx, "/identities/GetWorkloadAccessTokenForUserId", map[string]any{
		"workloadName": b.workload,
		"userId":       req.UserID,
	}, &workload)
	if err != nil {
		return "", err
	}
	if workload.WorkloadAccessToken == "" {
		return "", fmt.Errorf("%w: empty workload access token", ErrExchangeFailed)
	}

	scopes := req.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	var resource struct {
		AccessToken      string `json:"accessToken"`
		AuthorizationURL string `json:"authorizationUrl"`
	}
	err = b.call(ctx, "/identities/oauth2/token", map[string]any{
		"workloadIdentityToken":          workload.WorkloadAccessToken,
		"resourceCredentialProviderName": req.Provider,
		"scopes":                         scopes,
		"oauth2Flow":                     userFederation,
	}, &resource)
	if err != nil {
		return "", err
	}

	switch {
	case resource.AccessToken != "":
		return resource.AccessToken, nil
	case resource.AuthorizationURL != "":
		return "", &OAuthError{AuthorizationURL: resource.AuthorizationURL, Cause: ErrAuthorizationRequired}
	default:
		return "", fmt.Errorf("%w: response had neither token nor authorization url", ErrExchangeFailed)
	}
}

// statusError is an unexpected broker HTTP status.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("broker returned HTTP %d", e.Status)
}

func retryableBrokerError(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	var oe *OAuthError
	if errors.As(err, &oe) || errors.Is(err, context.Canceled) {
		return false
	}
	// Transport failures.
	return !errors.Is(err, ErrExchangeFailed)
}

func (b *AgentCoreBroker) call(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal request: %w", ErrExchangeFailed, err)
	}

	_, attempts, err := backoff.Retry(ctx, b.policy, b.maxAttempts, retryableBrokerError, func(attempt int) (struct{}, error) {
		return struct{}{}, b.do(ctx, path, body, out)
	})
	if err != nil {
		b.logger.Warn("broker call failed", "path", path, "attempts", attempts, "error", err)
		if _, ok := GetOAuthError(err); ok || errors.Is(err, ErrExchangeFailed) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	return nil
}

func (b *AgentCoreBroker) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: create request: %w", ErrExchangeFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	creds, err := b.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("%w: retrieve credentials: %w", ErrExchangeFailed, err)
	}
	sum := sha256.Sum256(body)
	if err := b.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), agentCoreService, b.region, b.now()); err != nil {
		return fmt.Errorf("%w: sign request: %w", ErrExchangeFailed, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		se := &statusError{Status: resp.StatusCode, Body: string(data)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return se
		}
		return fmt.Errorf("%w: %w", ErrExchangeFailed, se)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrExchangeFailed, err)
	}
	return nil
}
