package xray

import (
	"encoding/json"
	"fmt"
)

// Document is the full parse of the xray JSON configuration file. It is
// deliberately schemaless: veild only understands the VLESS inbound's
// client list and Reality shortIds, and everything else must round-trip
// untouched, whatever xray version wrote it.
type Document map[string]any

// ParseDocument decodes raw JSON into a Document. The top level must be
// an object.
func ParseDocument(data []byte) (Document, error) {
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("config is not a JSON object: %w", err)
	}
	return Document(root), nil
}

// Marshal encodes the document back to indented JSON.
func (d Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// ValidateStructure confirms the document has the shape veild knows how
// to mutate. Pure, no I/O.
func (d Document) ValidateStructure() (bool, string) {
	if d == nil {
		return false, "document is empty"
	}
	raw, ok := d["inbounds"]
	if !ok {
		return false, "missing inbounds section"
	}
	if _, ok := raw.([]any); !ok {
		return false, "inbounds is not a list"
	}
	return true, ""
}

// vlessInbound returns the first inbound with protocol "vless", or nil.
// At most one such inbound is expected; extras are ignored.
func (d Document) vlessInbound() map[string]any {
	inbounds, _ := d["inbounds"].([]any)
	for _, raw := range inbounds {
		inbound, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if proto, _ := inbound["protocol"].(string); proto == "vless" {
			return inbound
		}
	}
	return nil
}

// HasVlessInbound reports whether the document contains a VLESS inbound.
func (d Document) HasVlessInbound() bool {
	return d.vlessInbound() != nil
}

// Clients returns the VLESS inbound's client entries. Returns nil when
// the inbound or its settings block is absent.
func (d Document) Clients() []map[string]any {
	inbound := d.vlessInbound()
	if inbound == nil {
		return nil
	}
	settings, _ := inbound["settings"].(map[string]any)
	rawClients, _ := settings["clients"].([]any)

	clients := make([]map[string]any, 0, len(rawClients))
	for _, raw := range rawClients {
		if client, ok := raw.(map[string]any); ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// HasClient reports whether a client with the given UUID is present.
func (d Document) HasClient(uuid string) bool {
	for _, client := range d.Clients() {
		if id, _ := client["id"].(string); id == uuid {
			return true
		}
	}
	return false
}

// AddClient appends a client entry to the VLESS inbound unless one with
// the same UUID already exists. Returns true if the document changed.
func (d Document) AddClient(uuid, email, flow string) (bool, error) {
	inbound := d.vlessInbound()
	if inbound == nil {
		return false, errNoVlessInbound
	}

	if d.HasClient(uuid) {
		return false, nil
	}

	settings, ok := inbound["settings"].(map[string]any)
	if !ok {
		settings = map[string]any{}
		inbound["settings"] = settings
	}
	clients, _ := settings["clients"].([]any)

	settings["clients"] = append(clients, map[string]any{
		"id":    uuid,
		"flow":  flow,
		"email": email,
	})
	return true, nil
}

// RemoveClient filters out any client entry matching the UUID. Returns
// true if an entry was removed; absence is not an error.
func (d Document) RemoveClient(uuid string) (bool, error) {
	inbound := d.vlessInbound()
	if inbound == nil {
		return false, errNoVlessInbound
	}

	settings, ok := inbound["settings"].(map[string]any)
	if !ok {
		return false, nil
	}
	clients, _ := settings["clients"].([]any)

	kept := make([]any, 0, len(clients))
	removed := false
	for _, raw := range clients {
		if client, ok := raw.(map[string]any); ok {
			if id, _ := client["id"].(string); id == uuid {
				removed = true
				continue
			}
		}
		kept = append(kept, raw)
	}
	settings["clients"] = kept
	return removed, nil
}

// ShortIDs returns the Reality shortIds list of the VLESS inbound.
func (d Document) ShortIDs() []string {
	inbound := d.vlessInbound()
	if inbound == nil {
		return nil
	}
	stream, _ := inbound["streamSettings"].(map[string]any)
	reality, _ := stream["realitySettings"].(map[string]any)
	rawIDs, _ := reality["shortIds"].([]any)

	ids := make([]string, 0, len(rawIDs))
	for _, raw := range rawIDs {
		if id, ok := raw.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// EnsureShortID makes sure the Reality shortIds list contains shortID,
// creating the intermediate blocks if the config omits them. Returns
// true if the document changed.
func (d Document) EnsureShortID(shortID string) (bool, error) {
	inbound := d.vlessInbound()
	if inbound == nil {
		return false, errNoVlessInbound
	}

	stream, ok := inbound["streamSettings"].(map[string]any)
	if !ok {
		stream = map[string]any{}
		inbound["streamSettings"] = stream
	}
	reality, ok := stream["realitySettings"].(map[string]any)
	if !ok {
		reality = map[string]any{}
		stream["realitySettings"] = reality
	}
	ids, _ := reality["shortIds"].([]any)

	for _, raw := range ids {
		if id, _ := raw.(string); id == shortID {
			return false, nil
		}
	}

	reality["shortIds"] = append(ids, shortID)
	return true, nil
}
