package pipeline

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/parcelmap/parcelmap-go/internal/models"
)

// Options are the per-run controls, settable as run-pipeline query
// parameters. They are stored JSON-encoded on the ledger row so a resumed
// run replays the exact options of the run it continues.
type Options struct {
	// StartAtTask skips every stage before the named one.
	StartAtTask models.Task `json:"startAtTask,omitempty"`
	// StopBeforeTask ends the run before the named stage.
	StopBeforeTask models.Task `json:"stopBeforeTask,omitempty"`
	// Resume continues the latest interrupted run from its checkpoints.
	Resume bool `json:"resume,omitempty"`
	// UpdateBoundaries allows promotion after a full reconcile pass.
	UpdateBoundaries bool `json:"updateBoundaries,omitempty"`
	// RecordStats writes the aggregate stats artifact.
	RecordStats bool `json:"recordStats,omitempty"`
	// MaxCouncils caps the ingest stage; zero means all councils.
	MaxCouncils int `json:"maxCouncils,omitempty"`
	// AfterCouncil starts the ingest stage after the named council.
	AfterCouncil string `json:"afterCouncil,omitempty"`
	// MaxPolygons caps the reconcile stage; zero means all rows.
	MaxPolygons int `json:"maxPolygons,omitempty"`
}

// Filtered reports whether the run touches only a subset of the data. A
// filtered run never promotes accepted boundaries.
func (o Options) Filtered() bool {
	return o.MaxCouncils > 0 || o.AfterCouncil != "" || o.MaxPolygons > 0
}

// Encode serialises options for the ledger row.
func (o Options) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// DecodeOptions restores options from a ledger row.
func DecodeOptions(raw []byte) (Options, error) {
	var o Options
	if len(raw) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(raw, &o); err != nil {
		return o, fmt.Errorf("decode run options: %w", err)
	}
	return o, nil
}

// ParseOptions reads options from query parameters. Booleans must be the
// literal strings true or false; anything else is rejected rather than
// silently treated as false.
func ParseOptions(values url.Values) (Options, error) {
	var o Options
	var err error

	if v := values.Get("startAtTask"); v != "" {
		if o.StartAtTask, err = parseTask(v); err != nil {
			return o, fmt.Errorf("startAtTask: %w", err)
		}
	}
	if v := values.Get("stopBeforeTask"); v != "" {
		if o.StopBeforeTask, err = parseTask(v); err != nil {
			return o, fmt.Errorf("stopBeforeTask: %w", err)
		}
	}
	if o.Resume, err = parseBool(values, "resume"); err != nil {
		return o, err
	}
	if o.UpdateBoundaries, err = parseBool(values, "updateBoundaries"); err != nil {
		return o, err
	}
	if o.RecordStats, err = parseBool(values, "recordStats"); err != nil {
		return o, err
	}
	if o.MaxCouncils, err = parseInt(values, "maxCouncils"); err != nil {
		return o, err
	}
	if o.MaxPolygons, err = parseInt(values, "maxPolygons"); err != nil {
		return o, err
	}
	o.AfterCouncil = values.Get("afterCouncil")

	return o, nil
}

func parseTask(v string) (models.Task, error) {
	for _, task := range models.TaskOrder() {
		if string(task) == v {
			return task, nil
		}
	}
	return "", fmt.Errorf("unknown task %q", v)
}

func parseBool(values url.Values, key string) (bool, error) {
	switch v := values.Get(key); v {
	case "", "false":
		return false, nil
	case "true":
		return true, nil
	default:
		return false, fmt.Errorf("%s must be true or false, got %q", key, v)
	}
}

func parseInt(values url.Values, key string) (int, error) {
	v := values.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}
