package chat

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/invopop/jsonschema"
)

var protocolSchema = sync.OnceValue(func() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return map[string]*jsonschema.Schema{
		"command": reflector.Reflect(&Command{}),
		"frame":   reflector.Reflect(&Frame{}),
	}
})

// ProtocolSchema describes the websocket commands and frames as JSON
// Schema, keyed "command" and "frame".
func ProtocolSchema() map[string]*jsonschema.Schema {
	return protocolSchema()
}

// Schema serves ProtocolSchema for client generators.
func (h *Handler) Schema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	json.NewEncoder(w).Encode(ProtocolSchema())
}
