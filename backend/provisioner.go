package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// Config bounds waiting for a provisioning job.
type Config struct {
	PollInterval time.Duration
	WaitBudget   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		WaitBudget:   5 * time.Minute,
	}
}

// Provisioner starts backend jobs and waits for them to settle.
type Provisioner struct {
	service interfaces.BackendService
	cfg     Config
	log     *slog.Logger
}

func NewProvisioner(service interfaces.BackendService, cfg Config, log *slog.Logger) *Provisioner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.WaitBudget <= 0 {
		cfg.WaitBudget = DefaultConfig().WaitBudget
	}
	return &Provisioner{
		service: service,
		cfg:     cfg,
		log:     log,
	}
}

// Provision starts a provisioning job for the identity and returns its id.
func (p *Provisioner) Provision(ctx context.Context, identityID string) (string, error) {
	jobID, err := p.service.StartProvisioning(ctx, identityID)
	if err != nil {
		return "", err
	}
	p.log.Info("Provisioning job started", slog.String("identityID", identityID), slog.String("jobID", jobID))
	return jobID, nil
}

// Await polls the job at a fixed interval until it is ready or failed.
// Transient errors while polling are logged and polling continues.
// When the budget runs out the job is left running and interfaces.ErrProvisioningTimedOut
// is returned together with the last observed status.
func (p *Provisioner) Await(ctx context.Context, jobID string) (*interfaces.ProvisioningStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.WaitBudget)
	defer cancel()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	last := interfaces.ProvisioningStatus{Status: interfaces.JobPending}
	for {
		status, err := p.service.JobStatus(pollCtx, jobID)
		switch {
		case err == nil:
			last = status
			switch status.Status {
			case interfaces.JobReady:
				return &status, nil
			case interfaces.JobFailed:
				return &status, fmt.Errorf("%w: job %s failed: %s", interfaces.ErrBackendRejected, jobID, status.Detail)
			}
		case errors.Is(err, interfaces.ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded):
			if pollCtx.Err() == nil {
				p.log.Warn("Job status query failed", slog.String("jobID", jobID), "err", err)
			}
		default:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &last, fmt.Errorf("%w: job %s still %s after %s", interfaces.ErrProvisioningTimedOut, jobID, last.Status, p.cfg.WaitBudget)
		case <-ticker.C:
		}
	}
}
