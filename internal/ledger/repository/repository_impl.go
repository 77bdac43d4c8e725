package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/soloventures/advai/internal/clock"
	"github.com/soloventures/advai/internal/ledger/domain"
	"github.com/soloventures/advai/pkg/db"
	"go.uber.org/fx"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	GenID *snowflake.Node
	Clock clock.Clock
}

type Repository struct {
	db    *gorm.DB
	genID *snowflake.Node
	clock clock.Clock
}

func New(p Params) domain.Repository {
	return &Repository{db: p.DB, genID: p.GenID, clock: p.Clock}
}

func (r *Repository) Insert(ctx context.Context, trn *domain.Transaction) error {
	return r.InsertInTx(ctx, r.db, trn)
}

func (r *Repository) InsertInTx(ctx context.Context, tx *gorm.DB, trn *domain.Transaction) error {
	if tx == nil {
		tx = r.db
	}
	now := r.clock.Now().UTC()
	if trn.ID == 0 {
		trn.ID = r.genID.Generate()
	}
	if trn.Status == "" {
		trn.Status = domain.TransactionStatusPending
	}
	if trn.CreatedAt.IsZero() {
		trn.CreatedAt = now
	}
	trn.UpdatedAt = now
	return tx.WithContext(ctx).Create(trn).Error
}

func (r *Repository) FindByID(ctx context.Context, id snowflake.ID) (*domain.Transaction, error) {
	return r.FindByIDInTx(ctx, r.db, id)
}

func (r *Repository) FindByIDInTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Transaction, error) {
	if tx == nil {
		tx = r.db
	}
	var trn domain.Transaction
	err := tx.WithContext(ctx).First(&trn, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &trn, nil
}

func (r *Repository) ListByTeam(ctx context.Context, teamID snowflake.ID, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var trns []domain.Transaction
	err := r.db.WithContext(ctx).
		Where("team_id = ?", teamID).
		Order("created_at DESC").
		Limit(limit).
		Find(&trns).Error
	return trns, err
}

func (r *Repository) MarkPaid(ctx context.Context, tx *gorm.DB, id snowflake.ID, gatewayID, paymentMethod, invoiceURL string, paidAt time.Time) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	// Compare-and-set on status: only one delivery wins the transition, with
	// no row locks, on every supported dialect.
	res := tx.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, gateway_id = ?, payment_method = ?, invoice_url = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.TransactionStatusPaid, gatewayID, paymentMethod, invoiceURL,
		paidAt.UTC(), r.clock.Now().UTC(),
		id, domain.TransactionStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id snowflake.ID, reason string) (bool, error) {
	res := r.db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET status = ?, description = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.TransactionStatusFailed, reason, r.clock.Now().UTC(),
		id, domain.TransactionStatusPending,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) SetGatewayCharge(ctx context.Context, id snowflake.ID, gatewayID, invoiceURL string) error {
	return r.db.WithContext(ctx).Exec(
		`UPDATE transactions
		 SET gateway_id = ?, invoice_url = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		gatewayID, invoiceURL, r.clock.Now().UTC(),
		id, domain.TransactionStatusPending,
	).Error
}

func (r *Repository) ExistsByGatewayID(ctx context.Context, tx *gorm.DB, kind domain.TransactionKind, gatewayID string) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	if gatewayID == "" {
		return false, nil
	}
	var count int64
	err := tx.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("kind = ? AND gateway_id = ?", kind, gatewayID).
		Count(&count).Error
	return count > 0, err
}

func (r *Repository) GetPeriodConsumption(ctx context.Context, teamID snowflake.ID, period string) (*domain.PeriodConsumption, error) {
	var pc domain.PeriodConsumption
	err := r.db.WithContext(ctx).
		First(&pc, "team_id = ? AND period = ?", teamID, period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pc, nil
}

func (r *Repository) UpsertPeriodConsumption(ctx context.Context, teamID snowflake.ID, period string, creditsUsed int64, metadata map[string]any) error {
	existing, err := r.GetPeriodConsumption(ctx, teamID, period)
	if err != nil {
		return err
	}

	now := r.clock.Now().UTC()
	if existing == nil {
		pc := &domain.PeriodConsumption{
			ID:          r.genID.Generate(),
			TeamID:      teamID,
			Period:      period,
			CreditsUsed: creditsUsed,
			Metadata:    datatypes.JSONMap(metadata),
			RecordedAt:  now,
		}
		createErr := r.db.WithContext(ctx).Create(pc).Error
		if createErr == nil {
			return nil
		}
		if !db.IsDuplicateKeyErr(createErr) {
			return createErr
		}
		// Lost the insert race; merge into the winner's row.
		existing, err = r.GetPeriodConsumption(ctx, teamID, period)
		if err != nil {
			return err
		}
		if existing == nil {
			return createErr
		}
	}

	merged := datatypes.JSONMap{}
	for k, v := range existing.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return r.db.WithContext(ctx).
		Model(&domain.PeriodConsumption{}).
		Where("team_id = ? AND period = ?", teamID, period).
		Updates(map[string]any{
			"credits_used": creditsUsed,
			"metadata":     merged,
			"recorded_at":  now,
		}).Error
}
