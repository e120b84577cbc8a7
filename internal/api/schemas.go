package api

// sendTipSchema checks shape only. Amount bounds, precision and message
// length are enforced by the engine so the limits live in one place.
const sendTipSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["recipient_id", "amount"],
  "properties": {
    "recipient_id": {"type": "string", "minLength": 1, "maxLength": 128},
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "message": {"type": "string", "maxLength": 4096}
  }
}`
