package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/logger"
)

// Storage holds the JSON files kept in the user-data directory. Only the
// cookie file is read back at startup; history and stats are append-only
// records for the operator.
type Storage struct {
	config *config.StorageConfig
	log    *logger.Logger
	mu     sync.RWMutex
}

type DispatchRecord struct {
	ID      string    `json:"id"`
	RunID   string    `json:"run_id"`
	Profile string    `json:"profile"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

type DailyStats struct {
	Date         string `json:"date"`
	Attempts     int    `json:"attempts"`
	MessagesSent int    `json:"messages_sent"`
	Failures     int    `json:"failures"`
	Searches     int    `json:"searches"`
}

func New(cfg *config.StorageConfig) (*Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Storage{
		config: cfg,
		log:    logger.WithComponent("storage"),
	}, nil
}

func (s *Storage) Dir() string {
	return s.config.DataDir
}

func (s *Storage) filepath(filename string) string {
	return filepath.Join(s.config.DataDir, filename)
}

func (s *Storage) load(filename string, v interface{}) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.filepath(filename))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", filename, err)
	}

	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	return nil
}

func (s *Storage) save(filename string, v interface{}, perm os.FileMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := os.MkdirAll(s.config.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := os.WriteFile(s.filepath(filename), data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}

	return nil
}

func (s *Storage) LoadHistory() ([]DispatchRecord, error) {
	var records []DispatchRecord
	if err := s.load(s.config.HistoryFile, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []DispatchRecord{}
	}
	return records, nil
}

func (s *Storage) AddRecord(rec DispatchRecord) error {
	records, err := s.LoadHistory()
	if err != nil {
		return err
	}

	records = append(records, rec)
	return s.save(s.config.HistoryFile, records, 0600)
}

func (s *Storage) RecordsForRun(runID string) ([]DispatchRecord, error) {
	records, err := s.LoadHistory()
	if err != nil {
		return nil, err
	}

	var out []DispatchRecord
	for _, r := range records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Storage) GetTodayStats() (*DailyStats, error) {
	today := time.Now().Format("2006-01-02")

	var allStats []DailyStats
	if err := s.load(s.config.StatsFile, &allStats); err != nil {
		return nil, err
	}

	for _, stat := range allStats {
		if stat.Date == today {
			return &stat, nil
		}
	}

	return &DailyStats{Date: today}, nil
}

func (s *Storage) UpdateTodayStats(update func(*DailyStats)) error {
	today := time.Now().Format("2006-01-02")

	var allStats []DailyStats
	if err := s.load(s.config.StatsFile, &allStats); err != nil {
		return err
	}

	found := false
	for i, stat := range allStats {
		if stat.Date == today {
			update(&allStats[i])
			found = true
			break
		}
	}

	if !found {
		newStats := DailyStats{Date: today}
		update(&newStats)
		allStats = append(allStats, newStats)
	}

	return s.save(s.config.StatsFile, allStats, 0600)
}

func (s *Storage) SentSince(since time.Time) (int, error) {
	records, err := s.LoadHistory()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, r := range records {
		if r.Outcome == "success" && r.At.After(since) {
			count++
		}
	}

	return count, nil
}
