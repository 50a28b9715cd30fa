package web

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/feedwright/feedwright/export"
)

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	req, ok := parseExportRequest(w, r)
	if !ok {
		return
	}
	report, err := s.exports.Export(r.Context(), req)
	s.writeExportResult(w, report, err)
}

func (s *Server) handleExportLegacy(w http.ResponseWriter, r *http.Request) {
	req, ok := parseExportRequest(w, r)
	if !ok {
		return
	}
	report, err := s.exports.ExportLegacy(r.Context(), req)
	s.writeExportResult(w, report, err)
}

func parseExportRequest(w http.ResponseWriter, r *http.Request) (export.Request, bool) {
	q := r.URL.Query()
	req := export.Request{
		Scope:       q.Get("scope"),
		Actor:       q.Get("actor"),
		Cursor:      q.Get("cursor"),
		OtherCursor: q.Get("other_cursor"),
	}

	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "since must be a unix timestamp")
			return req, false
		}
		req.Since = n
	}
	if v := q.Get("until"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "until must be a unix timestamp")
			return req, false
		}
		req.Until = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be an integer")
			return req, false
		}
		req.Limit = n
	}
	if v := q.Get("types"); v != "" {
		req.Kinds = strings.Split(v, ",")
	}
	if v := q.Get("include_other"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "include_other must be a boolean")
			return req, false
		}
		req.IncludeOther = b
	}
	return req, true
}

func (s *Server) writeExportResult(w http.ResponseWriter, report *export.Report, err error) {
	switch {
	case errors.Is(err, export.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, export.ErrNoLegacyStore):
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "legacy store not configured")
	case err != nil:
		log.Printf("HTTP: export failed: %v", err)
		writeError(w, http.StatusInternalServerError, "InternalError", "export failed")
	default:
		writeJSON(w, http.StatusOK, report)
	}
}
