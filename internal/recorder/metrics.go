package recorder

import "encoding/json"

// MarshalJSON flattens the reserved fields and the caller's values into a
// single JSON object, so each metrics.jsonl line reads as one flat record.
func (m MetricRecord) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(m.Values)+3)
	for k, v := range m.Values {
		flat[k] = v
	}
	flat["_idx"] = m.Idx
	flat["_timestamp"] = m.Timestamp
	if m.Step != nil {
		flat["step"] = *m.Step
	}
	return json.Marshal(flat)
}

// UnmarshalJSON extracts the reserved fields and leaves everything else in
// Values, so a crash-truncated or forward-compatible line still parses.
func (m *MetricRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if idx, ok := raw["_idx"].(float64); ok {
		m.Idx = int(idx)
	}
	delete(raw, "_idx")

	if ts, ok := raw["_timestamp"].(string); ok {
		m.Timestamp = ts
	}
	delete(raw, "_timestamp")

	if step, ok := raw["step"].(float64); ok {
		v := int(step)
		m.Step = &v
	}
	delete(raw, "step")

	m.Values = raw
	return nil
}
