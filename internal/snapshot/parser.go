// Package snapshot implements the backend snapshot parser and the
// periodic snapshot manager that polls for, caches, and assembles
// playlists from snapshots. Backends have shipped both snake_case and
// camelCase payloads, so the parser walks a map[string]interface{} with
// multi-key lookups rather than a single rigid struct tag set.
package snapshot

import (
	"path"
	"strings"
	"time"

	"github.com/hexmonsignage/device-agent/internal/errs"
	"github.com/hexmonsignage/device-agent/pkg/models"
)

// ParseSnapshotResponse normalizes a raw backend snapshot payload (already
// JSON-decoded into a generic map) into a NormalizedSnapshot. It tolerates
// both snake_case and camelCase keys, as real backend payloads mix both
// across API versions.
func ParseSnapshotResponse(raw map[string]interface{}) (*models.NormalizedSnapshot, error) {
	if raw == nil {
		return nil, &errs.ParseError{Reason: "snapshot payload is not an object"}
	}

	snapshot := &models.NormalizedSnapshot{
		FetchedAt:   time.Now(),
		MediaURLMap: make(map[string]string),
		Raw:         raw,
	}

	snapshot.SnapshotID = stringField(raw, "snapshotId", "snapshot_id")
	extractMediaURLMap(raw, snapshot.MediaURLMap)

	schedule, _ := anyField(raw, "schedule").(map[string]interface{})
	if schedule != nil {
		snapshot.ScheduleID = stringField(schedule, "id", "scheduleId", "schedule_id")
		if items := sliceField(schedule, "items"); items != nil {
			snapshot.Items = parseItems(items, snapshot.MediaURLMap)
		}
	}

	if emergency, ok := anyField(raw, "emergency").(map[string]interface{}); ok {
		if item := parseEmergencyItem(emergency, snapshot.MediaURLMap); item != nil {
			snapshot.EmergencyItem = item
		}
	}

	if def, ok := anyField(raw, "default").(map[string]interface{}); ok {
		if item := parseTimelineItem(def, snapshot.MediaURLMap); item != nil {
			snapshot.DefaultItem = item
		}
	}

	return snapshot, nil
}

func extractMediaURLMap(raw map[string]interface{}, out map[string]string) {
	if m, ok := anyField(raw, "mediaUrlMap", "media_urls", "mediaUrls").(map[string]interface{}); ok {
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	if items := sliceField(raw, "media"); items != nil {
		for _, entry := range items {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			id := stringField(m, "id", "mediaId", "media_id")
			url := stringField(m, "url", "mediaUrl", "media_url")
			if id != "" && url != "" {
				out[id] = url
			}
		}
	}
}

func parseItems(raw []interface{}, urlMap map[string]string) []models.TimelineItem {
	items := make([]models.TimelineItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if item := parseTimelineItem(m, urlMap); item != nil {
			items = append(items, *item)
		}
	}
	return items
}

func parseEmergencyItem(m map[string]interface{}, urlMap map[string]string) *models.TimelineItem {
	active, _ := anyField(m, "active").(bool)
	url := stringField(m, "mediaUrl", "media_url", "url")
	if !active && url == "" {
		return nil
	}
	return parseTimelineItem(m, urlMap)
}

func parseTimelineItem(m map[string]interface{}, urlMap map[string]string) *models.TimelineItem {
	id := stringField(m, "id")
	mediaID := stringField(m, "mediaId", "media_id")
	remoteURL := stringField(m, "remoteUrl", "mediaUrl", "media_url", "url")
	if remoteURL == "" && mediaID != "" {
		remoteURL = urlMap[mediaID]
	}

	displayMs := intField(m, "displayMs", "display_ms")
	if displayMs <= 0 {
		displayMs = models.DefaultDisplayMs
	}

	transitionMs := intField(m, "transitionDurationMs", "transition_duration_ms")
	if transitionMs < 0 {
		transitionMs = 0
	}

	mediaType := normalizeMediaType(stringField(m, "type"), remoteURL)
	fit := normalizeFit(stringField(m, "fit"))
	muted, _ := anyField(m, "muted").(bool)
	sha := stringField(m, "sha256", "sha_256")

	return &models.TimelineItem{
		ID:                   id,
		MediaID:              mediaID,
		Type:                 mediaType,
		RemoteURL:            remoteURL,
		DisplayMs:            int64(displayMs),
		Fit:                  fit,
		Muted:                muted,
		SHA256:               sha,
		TransitionDurationMs: int64(transitionMs),
	}
}

func normalizeMediaType(explicit, remoteURL string) models.MediaType {
	switch strings.ToLower(explicit) {
	case string(models.MediaImage):
		return models.MediaImage
	case string(models.MediaVideo):
		return models.MediaVideo
	case string(models.MediaPDF):
		return models.MediaPDF
	case string(models.MediaURL):
		return models.MediaURL
	}

	ext := strings.ToLower(path.Ext(remoteURL))
	switch ext {
	case ".mp4", ".webm", ".mov", ".m4v":
		return models.MediaVideo
	case ".pdf":
		return models.MediaPDF
	default:
		return models.MediaImage
	}
}

func normalizeFit(explicit string) models.Fit {
	switch strings.ToLower(explicit) {
	case string(models.FitCover):
		return models.FitCover
	case string(models.FitStretch):
		return models.FitStretch
	default:
		return models.FitContain
	}
}

func stringField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func intField(m map[string]interface{}, keys ...string) int {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		}
	}
	return 0
}

func anyField(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func sliceField(m map[string]interface{}, key string) []interface{} {
	v, ok := m[key]
	if !ok {
		return nil
	}
	s, ok := v.([]interface{})
	if !ok {
		return nil
	}
	return s
}
