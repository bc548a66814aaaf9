// Package config loads the optional JSON configuration file. The file is
// validated against an embedded JSON Schema before it is decoded, so typos
// and wrong types fail fast at startup instead of surfacing as odd runtime
// behavior.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Duration accepts either a Go duration string ("90s") or a bare number of
// milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	case float64:
		*d = Duration(time.Duration(v) * time.Millisecond)
		return nil
	default:
		return fmt.Errorf("duration must be a string or a number of milliseconds")
	}
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type FileConfig struct {
	Addr          string   `json:"addr"`
	DatabaseDSN   string   `json:"databaseDsn"`
	FolderID      string   `json:"folderId"`
	SharedDriveID string   `json:"sharedDriveId"`
	CallbackURL   string   `json:"callbackUrl"`
	MimeType      string   `json:"mimeType"`
	SyncInterval  Duration `json:"syncInterval"`
	TickInterval  Duration `json:"tickInterval"`
	ChannelTTL    Duration `json:"channelTtl"`
	GenInterval   Duration `json:"generationInterval"`
	LocalDir      string   `json:"localDir"`
	DownloadDir   string   `json:"downloadDir"`
	DriveToken    string   `json:"driveToken"`
	DriveBaseURL  string   `json:"driveBaseUrl"`
}

const schemaText = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"addr": {"type": "string"},
		"databaseDsn": {"type": "string"},
		"folderId": {"type": "string"},
		"sharedDriveId": {"type": "string"},
		"callbackUrl": {"type": "string"},
		"mimeType": {"type": "string"},
		"syncInterval": {"type": ["string", "number"]},
		"tickInterval": {"type": ["string", "number"]},
		"channelTtl": {"type": ["string", "number"]},
		"generationInterval": {"type": ["string", "number"]},
		"localDir": {"type": "string"},
		"downloadDir": {"type": "string"},
		"driveToken": {"type": "string"},
		"driveBaseUrl": {"type": "string"}
	}
}`

// Load reads, validates, and decodes the config file at path. A missing path
// yields a zero config without error.
func Load(path string) (FileConfig, error) {
	if strings.TrimSpace(path) == "" {
		return FileConfig{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	if err := validate(raw); err != nil {
		return FileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	var cfg FileConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func validate(raw []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaText))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
