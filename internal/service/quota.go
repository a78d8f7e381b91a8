package service

import (
	"context"

	"offerwatch/internal/model"
	"offerwatch/internal/quota"
	"offerwatch/internal/storage"
)

// SetQuota opens or replaces a quota period for any target. The overlap
// check and the write share one transaction.
func (s *Service) SetQuota(ctx context.Context, p quota.Period) (*model.Quota, error) {
	var q *model.Quota
	err := s.store.InTx(ctx, func(repo storage.Repository) error {
		if _, err := targetByID(ctx, repo, p.TargetID); err != nil {
			return err
		}
		var err error
		q, err = s.ledger.With(repo).SetNewQuota(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("quota set", "target_id", p.TargetID, "quota_id", q.ID, "start", q.PeriodStart)
	return q, nil
}

// ActiveQuota returns the current quota view of any target.
func (s *Service) ActiveQuota(ctx context.Context, targetID int64) (quota.View, error) {
	if _, err := targetByID(ctx, s.store, targetID); err != nil {
		return quota.View{}, err
	}
	return s.ledger.Active(ctx, targetID)
}

// QuotaStatus reports source and offer usage for every target of ownerID.
func (s *Service) QuotaStatus(ctx context.Context, ownerID int64) ([]quota.StatusItem, error) {
	return s.ledger.Status(ctx, ownerID, s.maxURLs)
}
