package backend

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/simconsole/internal/jobtype"
	"github.com/kiranshivaraju/simconsole/pkg/models"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC1123,
}

// decodeJob reads a job record. Backend job types name their fields either
// with the job-type prefix (handover_uid) or plainly (uid); both are accepted.
func decodeJob(d jobtype.Descriptor, raw json.RawMessage) (models.Job, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return models.Job{}, fmt.Errorf("decoding job: %w", err)
	}

	pick := func(names ...string) json.RawMessage {
		for _, n := range names {
			if v, ok := fields[n]; ok && string(v) != "null" {
				return v
			}
		}
		return nil
	}

	var job models.Job
	if v := pick(d.UIDField(), "uid"); v != nil {
		uid, err := scalarString(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("decoding job uid: %w", err)
		}
		job.UID = uid
	}
	if v := pick(d.NameField(), "name"); v != nil {
		job.Name, _ = scalarString(v)
	}
	if v := pick(d.ParameterField(), "parameter"); v != nil {
		p, err := decodeParameter(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("decoding job %s parameter: %w", job.UID, err)
		}
		job.Parameter = p
	}
	if v := pick("status", d.Prefix+"_status"); v != nil {
		job.Status, _ = scalarString(v)
	}
	job.Status = models.NormalizeStatus(job.Status)
	if v := pick("created_time", "created_at"); v != nil {
		job.CreatedTime = parseTime(v)
	}
	if v := pick("updated_time", "updated_at"); v != nil {
		job.UpdatedTime = parseTime(v)
	}
	if v := pick("simulation_result"); v != nil {
		job.SimulationResult = append(json.RawMessage(nil), v...)
	}
	if job.Parameter == nil {
		job.Parameter = map[string]any{}
	}
	return job, nil
}

// decodeParameter accepts the parameter mapping either as an object or as a
// JSON-encoded string holding one.
func decodeParameter(v json.RawMessage) (map[string]any, error) {
	var p map[string]any
	if err := json.Unmarshal(v, &p); err == nil {
		return p, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return nil, fmt.Errorf("parameter is neither an object nor a string")
	}
	if strings.TrimSpace(s) == "" {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func scalarString(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("expected a string, got %s", string(v))
}

func parseTime(v json.RawMessage) *time.Time {
	s, err := scalarString(v)
	if err != nil || s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// jobList extracts the job records from a query response. The backend nests
// them under the job type's plural key; a bare array is accepted too.
func jobList(d jobtype.Descriptor, data json.RawMessage) ([]json.RawMessage, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding job list: %w", err)
	}
	inner, ok := wrapped[d.Plural]
	if !ok || string(inner) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(inner, &list); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", d.Plural, err)
	}
	return list, nil
}
