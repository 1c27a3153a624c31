package catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Question is the persisted form of a Prompt.
type Question struct {
	ID                 string  `gorm:"primaryKey;type:uuid"`
	Language           string  `gorm:"size:8;not null;index:idx_questions_lookup,priority:1"`
	Text               string  `gorm:"not null"`
	Category           string  `gorm:"size:64;not null;default:''"`
	Subcategory        string  `gorm:"size:64;not null;default:''"`
	Energy             string  `gorm:"size:32;not null;default:''"`
	Intensity          int     `gorm:"not null;index:idx_questions_lookup,priority:3"`
	ShockFactor        float64 `gorm:"not null;default:0"`
	VulnerabilityLevel float64 `gorm:"not null;default:0"`
	IsNSFW             bool    `gorm:"not null;default:false"`
	IsActive           bool    `gorm:"not null;default:true;index:idx_questions_lookup,priority:2"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Question) TableName() string { return "questions" }

func (q Question) prompt() Prompt {
	return Prompt{
		ID:                 q.ID,
		Language:           q.Language,
		Text:               q.Text,
		Category:           q.Category,
		Subcategory:        q.Subcategory,
		Energy:             q.Energy,
		Intensity:          q.Intensity,
		ShockFactor:        q.ShockFactor,
		VulnerabilityLevel: q.VulnerabilityLevel,
		NSFW:               q.IsNSFW,
		Active:             q.IsActive,
	}
}

// Open connects gorm to postgres. Query logging is left to the caller's
// gorm logger; by default it is silenced.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	return db, nil
}

// Gorm serves prompts from the questions table.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) Migrate(ctx context.Context) error {
	if err := g.db.WithContext(ctx).AutoMigrate(&Question{}); err != nil {
		return fmt.Errorf("migrate questions: %w", err)
	}
	return nil
}

func (g *Gorm) Candidates(ctx context.Context, q Query) ([]Prompt, error) {
	var rows []Question
	if err := candidateQuery(g.db.WithContext(ctx), q).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query candidates: %w", err)
	}
	out := make([]Prompt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.prompt())
	}
	return out, nil
}

func (g *Gorm) CountEligible(ctx context.Context, language string, allowNSFW bool) (int, error) {
	var n int64
	err := eligibleQuery(g.db.WithContext(ctx), language, allowNSFW).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count eligible: %w", err)
	}
	return int(n), nil
}

func eligibleQuery(db *gorm.DB, language string, allowNSFW bool) *gorm.DB {
	tx := db.Model(&Question{}).
		Where("is_active = ?", true).
		Where("language = ?", language)
	if !allowNSFW {
		tx = tx.Where("is_nsfw = ?", false)
	}
	return tx
}

func candidateQuery(db *gorm.DB, q Query) *gorm.DB {
	tx := eligibleQuery(db, q.Language, q.AllowNSFW).
		Where("intensity BETWEEN ? AND ?", q.Range.Min, q.Range.Max)
	if len(q.Exclude) > 0 {
		tx = tx.Where("id NOT IN ?", q.Exclude)
	}
	if q.PreferLowShock {
		tx = tx.Order("shock_factor ASC")
	}
	return tx.Order("id ASC").Limit(q.limit())
}
