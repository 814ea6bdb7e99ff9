package llm

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/cv-analyzer-bfa-go/internal/domain"
	"github.com/boddenberg/cv-analyzer-bfa-go/internal/infra/keypool"
)

var probeRequest = domain.GenerationRequest{
	Content: domain.TextContent("Reply with OK."),
	Config:  domain.ModelConfig{MaxOutputTokens: 8},
}

// ValidateKeys probes every credential once, concurrently, bypassing
// selection. Outcomes are recorded, so rejected keys get the long cooldown.
func (c *Client) ValidateKeys(ctx context.Context) ([]domain.KeyValidation, error) {
	ctx, span := tracer.Start(ctx, "llm.ValidateKeys")
	defer span.End()

	leases := c.pool.Leases()
	results := make([]domain.KeyValidation, len(leases))
	model := c.Model()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, lease := range leases {
		i, lease := i, lease
		g.Go(func() error {
			probeCtx := ctx
			if c.cfg.AttemptTimeout > 0 {
				var cancel context.CancelFunc
				probeCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
				defer cancel()
			}

			start := time.Now()
			_, err := c.backend.Generate(probeCtx, lease.Secret, model, probeRequest)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			kind := Classify(err)
			c.pool.Record(domain.Outcome{
				Kind:         kind,
				Latency:      time.Since(start),
				CredentialID: lease.ID,
				Err:          err,
			})

			v := domain.KeyValidation{
				ID:      lease.ID,
				Masked:  keypool.Mask(lease.Secret),
				Valid:   kind != domain.OutcomeInvalidCredential,
				Outcome: kind.String(),
			}
			if err != nil {
				v.Error = err.Error()
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	invalid := 0
	for _, r := range results {
		if !r.Valid {
			invalid++
		}
	}
	c.logger.Info("credential validation finished",
		zap.Int("checked", len(results)),
		zap.Int("invalid", invalid),
	)
	return results, nil
}
