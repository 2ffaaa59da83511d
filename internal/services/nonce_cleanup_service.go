package services

import (
	"context"
	"time"

	"github.com/figamore/app-attest-server/internal/repositories"
	"github.com/figamore/app-attest-server/internal/utils"
)

// Challenges that were issued but never consumed by a registration are
// cleared after this long.
const staleNonceTTL = 24 * time.Hour

type NonceCleanupService struct {
	repo repositories.DeviceRepository
}

func NewNonceCleanupService(repo repositories.DeviceRepository) *NonceCleanupService {
	return &NonceCleanupService{repo: repo}
}

func (s *NonceCleanupService) CleanupDaily(ctx context.Context) error {
	cutoff := time.Now().Add(-staleNonceTTL)
	n, err := s.repo.ClearStaleNonces(ctx, cutoff)
	if err != nil {
		return err
	}
	utils.Logger.Infof("[Cleanup] cleared %d stale attestation nonces", n)
	return nil
}
