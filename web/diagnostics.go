package web

import (
	"log"
	"net/http"
)

type diagnosticsReport struct {
	Tables     map[string]int64 `json:"tables"`
	Scope      scopeReport      `json:"scope"`
	Retention  retentionReport  `json:"retention"`
	LegacyPath string           `json:"legacy_path,omitempty"`
	Warnings   []string         `json:"warnings"`
}

type scopeReport struct {
	Enabled                     bool     `json:"enabled"`
	TrackSubscribers            bool     `json:"track_subscribers"`
	RestrictPublisherEngagement bool     `json:"restrict_publisher_engagement"`
	Publishers                  []string `json:"publishers"`
}

type retentionReport struct {
	Enabled              bool `json:"enabled"`
	PostMaxAgeDays       int  `json:"post_max_age_days"`
	EngagementMaxAgeDays int  `json:"engagement_max_age_days"`
}

// handleDiagnostics reports table sizes, the active scoping and retention
// configuration, and warnings for configurations that usually indicate an
// operator mistake.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	tables, err := s.store.TableCounts(r.Context())
	if err != nil {
		log.Printf("HTTP: diagnostics failed: %v", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to collect diagnostics")
		return
	}

	report := diagnosticsReport{
		Tables: tables,
		Scope: scopeReport{
			Enabled:                     s.cfg.Scope.Enabled,
			TrackSubscribers:            s.cfg.Scope.TrackSubscribers,
			RestrictPublisherEngagement: s.cfg.Scope.RestrictPublisherEngagement,
			Publishers:                  s.cfg.Scope.Publishers,
		},
		Retention: retentionReport{
			Enabled:              s.cfg.Retention.Enabled,
			PostMaxAgeDays:       s.cfg.Retention.PostMaxAgeDays,
			EngagementMaxAgeDays: s.cfg.Retention.EngagementMaxAgeDays,
		},
		LegacyPath: s.cfg.Storage.LegacyPath,
		Warnings:   []string{},
	}

	if len(s.cfg.Scope.Publishers) == 0 {
		report.Warnings = append(report.Warnings, "no publishers configured; publisher feeds and export classification are empty")
	}
	if !s.cfg.Scope.Enabled && s.cfg.Scope.TrackSubscribers {
		report.Warnings = append(report.Warnings, "subscriber tracking is on but scoping is disabled; the firehose is stored unfiltered")
	}
	if !s.cfg.Retention.Enabled {
		report.Warnings = append(report.Warnings, "retention is disabled; the database grows without bound")
	}
	if s.cfg.Storage.LegacyPath == "" {
		report.Warnings = append(report.Warnings, "no legacy database configured; /export/engagements/legacy is unavailable")
	}

	writeJSON(w, http.StatusOK, report)
}
