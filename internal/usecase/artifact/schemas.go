package artifact

import "agentdeck/internal/domain"

// commandSchemas holds the JSON Schema each UI command must satisfy.
var commandSchemas = map[domain.CommandType]string{
	domain.CommandSetView: `{
		"type": "object",
		"required": ["type", "view"],
		"properties": {
			"type": {"const": "set_view"},
			"view": {"type": "string", "minLength": 1, "maxLength": 64}
		}
	}`,
	domain.CommandOpenDocument: `{
		"type": "object",
		"required": ["type", "path"],
		"properties": {
			"type": {"const": "open_document"},
			"path": {"type": "string", "minLength": 1, "maxLength": 1024},
			"title": {"type": "string", "maxLength": 256}
		}
	}`,
	domain.CommandSetCalendarEvents: `{
		"type": "object",
		"required": ["type", "events"],
		"properties": {
			"type": {"const": "set_calendar_events"},
			"events": {
				"type": "array",
				"maxItems": 500,
				"items": {
					"type": "object",
					"required": ["title", "start"],
					"properties": {
						"title": {"type": "string", "minLength": 1},
						"start": {"type": "string", "minLength": 1},
						"end": {"type": "string"},
						"all_day": {"type": "boolean"},
						"location": {"type": "string"},
						"description": {"type": "string"}
					}
				}
			}
		}
	}`,
	domain.CommandClearCalendar: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"type": {"const": "clear_calendar"}
		}
	}`,
	domain.CommandRenderArtifact: `{
		"type": "object",
		"required": ["type", "component"],
		"properties": {
			"type": {"const": "render_artifact"},
			"component": {"type": "string", "pattern": "^[a-z][a-z0-9_-]{0,63}$"},
			"title": {"type": "string", "maxLength": 256},
			"props": {"type": "object"}
		}
	}`,
}

// Built-in artifact component schemas, keyed by component name.
var builtinComponents = map[string]string{
	"card": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"subtitle": {"type": "string"},
			"body": {"type": "string"},
			"image_url": {"type": "string"},
			"actions": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["label"],
					"properties": {
						"label": {"type": "string", "minLength": 1},
						"url": {"type": "string"}
					}
				}
			}
		}
	}`,
	"calendar": `{
		"type": "object",
		"required": ["events"],
		"properties": {
			"view": {"enum": ["month", "week", "day", "agenda"]},
			"events": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["title", "start"],
					"properties": {
						"title": {"type": "string", "minLength": 1},
						"start": {"type": "string", "minLength": 1},
						"end": {"type": "string"}
					}
				}
			}
		}
	}`,
}
