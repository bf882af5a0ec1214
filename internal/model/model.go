// Package model holds the server-side shapes the client caches and the
// semantic keys they are cached under.
package model

import (
	"strings"
	"time"
)

type LatestCondition struct {
	WaveHeight    *float64  `json:"waveHeight"`
	WindSpeed     *float64  `json:"windSpeed"`
	WindDirection *int      `json:"windDirection"`
	CreatedAt     time.Time `json:"createdAt"`
}

type Spot struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Latitude        float64          `json:"latitude"`
	Longitude       float64          `json:"longitude"`
	CreatedAt       time.Time        `json:"createdAt"`
	SessionCount    int              `json:"sessionCount"`
	LatestCondition *LatestCondition `json:"latestCondition"`
}

type UserRef struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type ConditionReport struct {
	ID            string    `json:"id"`
	SpotID        string    `json:"spotId"`
	WaveHeight    *float64  `json:"waveHeight"`
	WindSpeed     *float64  `json:"windSpeed"`
	WindDirection *int      `json:"windDirection"`
	CreatedAt     time.Time `json:"createdAt"`
	ConfirmCount  int       `json:"confirmCount"`
	HasConfirmed  bool      `json:"hasConfirmed,omitempty"`
	Reporter      *UserRef  `json:"reporter,omitempty"`
}

type SessionType string

const (
	SessionNow     SessionType = "NOW"
	SessionPlanned SessionType = "PLANNED"
)

type SportType string

const (
	SportWingFoil SportType = "WING_FOIL"
	SportWindsurf SportType = "WINDSURF"
	SportKite     SportType = "KITE"
	SportOther    SportType = "OTHER"
)

type Session struct {
	ID          string      `json:"id"`
	SpotID      string      `json:"spotId"`
	Type        SessionType `json:"type"`
	SportType   SportType   `json:"sportType"`
	ScheduledAt time.Time   `json:"scheduledAt"`
	ExpiresAt   *time.Time  `json:"expiresAt"`
	CreatedAt   time.Time   `json:"createdAt"`
	User        UserRef     `json:"user"`
	IsOwn       bool        `json:"isOwn"`
}

type SessionsResult struct {
	Sessions     []Session `json:"sessions"`
	SessionCount int       `json:"sessionCount"`
}

type WikiContent struct {
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// OptimisticIDPrefix marks ids minted locally before the server assigned one.
const OptimisticIDPrefix = "optimistic-"

func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, OptimisticIDPrefix)
}
