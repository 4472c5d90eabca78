// Package license performs the optional end-of-run credential check-in.
package license

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/terrain.covariates/internal/config"
	"github.com/banshee-data/terrain.covariates/internal/httputil"
	"github.com/banshee-data/terrain.covariates/internal/pipeline"
)

// Product is the product name sent with every check-in.
const Product = "covariates"

// ErrNoCredential is returned when the credential variable is unset.
var ErrNoCredential = errors.New("license credential not set")

// checkin is the request body.
type checkin struct {
	Credential string `json:"credential"`
	Product    string `json:"product"`
	RunID      string `json:"run_id"`
}

// reply is the optional response body.
type reply struct {
	Status    string     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ExpiryWarning is how close to expiry a credential starts being reported.
const ExpiryWarning = 14 * 24 * time.Hour

// Checker posts a check-in after every run. Failures come back as
// *pipeline.LicenseError, which the orchestrator logs and ignores.
type Checker struct {
	pipeline.BaseObserver

	Endpoint      string
	CredentialEnv string
	Timeout       time.Duration
	Client        httputil.HTTPClient
	Getenv        func(string) string
	Logger        *zap.Logger
}

// New returns a Checker for cfg, or nil when the check-in is disabled.
func New(cfg *config.LicenseConfig, logger *zap.Logger) *Checker {
	if !cfg.GetEnabled() {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		Endpoint:      cfg.GetEndpoint(),
		CredentialEnv: cfg.GetCredentialEnv(),
		Timeout:       cfg.GetTimeout(),
		Client:        httputil.NewStandardClient(cfg.GetTimeout()),
		Getenv:        os.Getenv,
		Logger:        logger,
	}
}

// RunFinished checks in once per run, whatever the run's outcome.
func (c *Checker) RunFinished(ctx context.Context, sum *pipeline.RunSummary) error {
	return c.CheckIn(ctx, sum.RunID)
}

// CheckIn sends the credential for runID.
func (c *Checker) CheckIn(ctx context.Context, runID string) error {
	fail := func(err error) error {
		return &pipeline.LicenseError{Endpoint: c.Endpoint, Err: err}
	}
	credential := c.Getenv(c.CredentialEnv)
	if credential == "" {
		return fail(fmt.Errorf("%w: $%s is empty", ErrNoCredential, c.CredentialEnv))
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	resp, err := httputil.PostJSON(ctx, c.Client, c.Endpoint, checkin{Credential: credential, Product: Product, RunID: runID})
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	var r reply
	if err := httputil.DecodeJSON(resp, &r); err != nil {
		return fail(err)
	}
	c.Logger.Debug("license checked in", zap.String("run_id", runID), zap.String("status", r.Status))
	if r.ExpiresAt != nil && time.Until(*r.ExpiresAt) < ExpiryWarning {
		c.Logger.Warn("license credential expires soon", zap.Time("expires_at", *r.ExpiresAt))
	}
	return nil
}
