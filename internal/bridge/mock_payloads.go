package bridge

import (
	"encoding/json"
	"strings"
)

// Canned responses served when mock mode is enabled and the backend is
// unreachable. Every payload carries "mock": true so callers can tell
// placeholder data from the real thing.
var mockPayloads = map[string]string{
	"auth-status": `{
		"providers": {
			"jobber": {"connected": false},
			"quickbooks": {"connected": false}
		},
		"mock": true
	}`,
	"sync-stats": `{
		"totalWebhooks": 0,
		"processed": 0,
		"failed": 0,
		"pending": 0,
		"updatedAt": "1970-01-01T00:00:00Z",
		"mock": true
	}`,
	"jobs": `{
		"jobs": [
			{
				"id": "job_mock_1",
				"title": "Spring sprinkler startup",
				"clientName": "Sample Client",
				"status": "scheduled",
				"total": 240,
				"updatedAt": "1970-01-01T00:00:00Z"
			}
		],
		"mock": true
	}`,
	"health": `{"status": "unreachable", "mock": true}`,
}

// mockResponseFor matches a request path to the canned payload shape for it,
// if one exists.
func mockResponseFor(path string) (json.RawMessage, bool) {
	switch {
	case strings.Contains(path, "/auth/status"):
		return json.RawMessage(mockPayloads["auth-status"]), true
	case strings.Contains(path, "/sync/stats"):
		return json.RawMessage(mockPayloads["sync-stats"]), true
	case strings.Contains(path, "/jobs"):
		return json.RawMessage(mockPayloads["jobs"]), true
	case strings.Contains(path, "/health"):
		return json.RawMessage(mockPayloads["health"]), true
	default:
		return nil, false
	}
}
