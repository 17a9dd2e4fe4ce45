// Startup events are appended as JSONL (one JSON object per line) so
// external tooling can tail them without parsing the main log stream.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// InitEvent describes one gateway start.
type InitEvent struct {
	Timestamp             time.Time `json:"timestamp"`
	Event                 string    `json:"event"`
	ServerPort            int       `json:"server_port"`
	UpstreamBaseURL       string    `json:"upstream_base_url"`
	MaxSessions           int       `json:"max_sessions"`
	MaxInflightPerSession int       `json:"max_inflight_per_session"`
	QueueSize             int       `json:"queue_size"`
	CookieCount           int       `json:"cookie_count"`
	Models                []string  `json:"models"`
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordInit writes one init event. Failures are logged, never fatal.
func RecordInit(path string, event *InitEvent) {
	if path == "" || event == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		log.Error().Err(err).Str("path", path).Msg("init log dir create failed")
		return
	}
	event.Event = "gateway_init"
	event.Timestamp = time.Now()
	if err := appendJSONL(path, event); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write init event")
	}
}
