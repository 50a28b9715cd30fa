package web

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/feedwright/feedwright/feed"
)

func (s *Server) handleGetFeedSkeleton(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "feed parameter is required")
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidRequest", "limit must be an integer")
			return
		}
		limit = parsed
	}

	skeleton, err := s.feeds.BuildFeed(r.Context(), feedID, requesterDID(r), r.URL.Query().Get("cursor"), limit)
	switch {
	case errors.Is(err, feed.ErrUnknownFeed):
		writeError(w, http.StatusBadRequest, "UnknownFeed", err.Error())
		return
	case errors.Is(err, feed.ErrBadCursor):
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed cursor")
		return
	case err != nil:
		log.Printf("HTTP: getFeedSkeleton failed for %s: %v", feedID, err)
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to build feed")
		return
	}

	writeJSON(w, http.StatusOK, skeleton)
}

func (s *Server) handleDescribeFeedGenerator(w http.ResponseWriter, _ *http.Request) {
	did := s.serviceDID()
	ids := s.feeds.Feeds()

	feeds := make([]map[string]string, 0, len(ids))
	for _, id := range ids {
		feeds = append(feeds, map[string]string{
			"uri": "at://" + did + "/app.bsky.feed.generator/" + id,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"did":   did,
		"feeds": feeds,
	})
}

func (s *Server) serviceDID() string {
	return "did:web:" + s.cfg.Server.Host
}

// requesterDID pulls the caller identity from the service-auth JWT the
// AppView forwards with skeleton requests. Only the iss claim is read;
// an absent or undecodable token leaves the caller anonymous, which the
// subscriber gate treats as outside the subscriber set.
func requesterDID(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Iss
}
