package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/oggyb/matchcore/internal/db"
)

type ReportRepository struct {
	db *gorm.DB
}

func NewReportRepository(database *gorm.DB) *ReportRepository {
	return &ReportRepository{db: database}
}

// CreateReport stores a new OPEN report.
func (r *ReportRepository) CreateReport(ctx context.Context, rep *db.Report) error {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	if rep.Status == "" {
		rep.Status = db.ReportOpen
	}
	return r.db.WithContext(ctx).Create(rep).Error
}

func (r *ReportRepository) ListByReporter(ctx context.Context, reporterID string) ([]db.Report, error) {
	var out []db.Report
	err := r.db.WithContext(ctx).Where("reporter_id = ?", reporterID).Order("created_at DESC").Find(&out).Error
	return out, err
}
