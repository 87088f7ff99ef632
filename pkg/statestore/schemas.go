package statestore

// recordSchemas are the JSON Schemas each record kind must satisfy on load.
// A record that parses but fails its schema is corrupt, not merely stale —
// callers fail closed rather than governing on a half-trusted document.
var recordSchemas = map[Kind]string{
	KindCounter: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["fingerprint", "hour_start", "tokens_remaining", "concurrent", "updated_at"],
		"properties": {
			"fingerprint":      {"type": "string", "minLength": 1},
			"hour_start":       {"type": "string", "minLength": 1},
			"tokens_remaining": {"type": "integer", "minimum": 0},
			"concurrent":       {"type": "integer", "minimum": 0},
			"updated_at":       {"type": "string", "minLength": 1}
		}
	}`,

	KindBreaker: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["fingerprint", "opened_at", "open_until", "counts"],
		"properties": {
			"fingerprint": {"type": "string", "minLength": 1},
			"opened_at":   {"type": "string"},
			"open_until":  {"type": "string"},
			"reason":      {"type": "string"},
			"counts": {
				"type": "object",
				"required": ["rollbacks"],
				"properties": {
					"rollbacks": {"type": "integer", "minimum": 0}
				}
			}
		}
	}`,

	KindRequalification: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["fingerprint", "state", "since", "success_count", "required"],
		"properties": {
			"fingerprint":       {"type": "string", "minLength": 1},
			"state":             {"enum": ["ACTIVE", "SUSPENDED", "PROBATION", "ELIGIBLE"]},
			"cause":             {"type": "string"},
			"since":             {"type": "string", "minLength": 1},
			"cooldown_until":    {"type": ["string", "null"]},
			"success_count":     {"type": "integer", "minimum": 0},
			"required":          {"type": "integer", "minimum": 1},
			"last_confidence":   {"type": "number", "minimum": 0, "maximum": 1},
			"streak_started_at": {"type": ["string", "null"]}
		}
	}`,

	KindConfidence: `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["fingerprint", "confidence", "updated_at", "signals"],
		"properties": {
			"fingerprint": {"type": "string", "minLength": 1},
			"confidence":  {"type": "number", "minimum": 0, "maximum": 1},
			"updated_at":  {"type": "string", "minLength": 1},
			"signals": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["signal", "delta", "before", "after", "at"],
					"properties": {
						"signal": {"enum": ["POLICY_DENIAL", "ROLLBACK", "THROTTLE"]},
						"delta":  {"type": "number"},
						"before": {"type": "number", "minimum": 0, "maximum": 1},
						"after":  {"type": "number", "minimum": 0, "maximum": 1},
						"at":     {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}`,
}
