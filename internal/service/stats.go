package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ifuryst/moviefactory/internal/models"
)

// StageStats counts the records of one stage.
type StageStats struct {
	Total        int64            `json:"total"`
	CreatedToday int64            `json:"created_today"`
	ByStatus     map[string]int64 `json:"by_status"`
}

type Stats struct {
	Research    StageStats `json:"research"`
	Curation    StageStats `json:"curation"`
	Production  StageStats `json:"production"`
	Scenes      StageStats `json:"scenes"`
	Tracks      StageStats `json:"tracks"`
	Tasks       StageStats `json:"tasks"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// Stats summarizes every stage by status.
func (s *JobService) Stats(ctx context.Context) (*Stats, error) {
	today := time.Now().Truncate(24 * time.Hour)
	db := s.db.WithContext(ctx)

	stats := &Stats{GeneratedAt: time.Now()}
	targets := []struct {
		model interface{}
		dest  *StageStats
	}{
		{&models.ResearchJob{}, &stats.Research},
		{&models.CurationJob{}, &stats.Curation},
		{&models.ProductionJob{}, &stats.Production},
		{&models.ProductionScene{}, &stats.Scenes},
		{&models.ProductionTrack{}, &stats.Tracks},
		{&models.Task{}, &stats.Tasks},
	}

	for _, target := range targets {
		stage, err := stageStats(db, target.model, today)
		if err != nil {
			return nil, err
		}
		*target.dest = stage
	}
	return stats, nil
}

func stageStats(db *gorm.DB, model interface{}, since time.Time) (StageStats, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	if err := db.Model(model).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return StageStats{}, fmt.Errorf("failed to count statuses: %w", err)
	}

	stage := StageStats{ByStatus: make(map[string]int64, len(rows))}
	for _, row := range rows {
		stage.ByStatus[row.Status] = row.Count
		stage.Total += row.Count
	}

	if err := db.Model(model).Where("created_at >= ?", since).Count(&stage.CreatedToday).Error; err != nil {
		return StageStats{}, fmt.Errorf("failed to count today's records: %w", err)
	}
	return stage, nil
}
