package loader

// SessionSchema is the JSON schema every input line must satisfy. Unknown
// event types are allowed: type only has to be a string.
const SessionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["session", "events"],
  "properties": {
    "session": {"type": "integer"},
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["aid", "ts", "type"],
        "properties": {
          "aid": {"type": "integer"},
          "ts": {"type": "integer"},
          "type": {"type": "string"}
        }
      }
    }
  }
}`
