package agent

import (
	"encoding/json"
	"fmt"
)

// MessageType tags messages exchanged with the background caching agent.
// Unrecognized inbound types are ignored for forward compatibility.
type MessageType string

const (
	MsgGetClientID       MessageType = "GET_CLIENT_ID"
	MsgClientIDResponse  MessageType = "CLIENT_ID_RESPONSE"
	MsgCacheVideos       MessageType = "CACHE_VIDEOS"
	MsgCacheImages       MessageType = "CACHE_IMAGES"
	MsgCacheProgress     MessageType = "CACHE_PROGRESS"
	MsgCacheError        MessageType = "CACHE_ERROR"
	MsgCheckCacheVersion MessageType = "CHECK_CACHE_VERSION"
	MsgCacheVersionInfo  MessageType = "CACHE_VERSION_INFO"
	MsgClearCaches       MessageType = "CLEAR_CACHES"
	MsgCachesCleared     MessageType = "CACHES_CLEARED"
	MsgGetCachedVideos   MessageType = "GET_CACHED_VIDEOS"
	MsgCachedVideosList  MessageType = "CACHED_VIDEOS_LIST"
)

// Message is the envelope for all agent traffic. Every request carries a
// correlation id and every response echoes it; the transport guarantees
// neither delivery nor ordering, so correlation is the only way to match.
type Message struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds a message, marshaling payload to JSON. A nil payload
// produces an empty-payload message.
func NewMessage(t MessageType, correlationID string, payload any) (Message, error) {
	msg := Message{Type: t, CorrelationID: correlationID}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the message payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// CacheEntry is one asset inside a batched cache request. OperationID is the
// per-asset correlation id the agent echoes back in CACHE_PROGRESS and
// CACHE_ERROR responses.
type CacheEntry struct {
	OperationID string `json:"operationId"`
	AssetID     string `json:"assetId"`
	URL         string `json:"url"`
	VersionHash uint64 `json:"versionHash"`
}

// CacheRequest is the CACHE_VIDEOS / CACHE_IMAGES payload.
type CacheRequest struct {
	ClientID string       `json:"clientId"`
	Assets   []CacheEntry `json:"assets"`
}

// ClientIDResponse is the CLIENT_ID_RESPONSE payload.
type ClientIDResponse struct {
	ClientID string `json:"clientId"`
}

// Cache progress status values.
const (
	StatusProgress  = "progress"
	StatusCompleted = "completed"
)

// CacheProgress is the CACHE_PROGRESS payload. Incremental updates carry
// StatusProgress; the terminal update for an asset carries StatusCompleted.
type CacheProgress struct {
	AssetID string  `json:"assetId"`
	Status  string  `json:"status"`
	Percent float64 `json:"percent,omitempty"`
}

// CacheErrorInfo is the CACHE_ERROR payload.
type CacheErrorInfo struct {
	AssetID string `json:"assetId"`
	Error   string `json:"error"`
}

// VersionEntry pairs an asset with its expected content version.
type VersionEntry struct {
	AssetID     string `json:"assetId"`
	VersionHash uint64 `json:"versionHash"`
}

// VersionCheckRequest is the CHECK_CACHE_VERSION payload.
type VersionCheckRequest struct {
	Entries []VersionEntry `json:"entries"`
}

// VersionInfo is the CACHE_VERSION_INFO payload: Fresh lists asset ids whose
// cached copy already matches the requested version hash.
type VersionInfo struct {
	Fresh []string `json:"fresh"`
}

// CachedVideosList is the CACHED_VIDEOS_LIST payload.
type CachedVideosList struct {
	AssetIDs []string `json:"assetIds"`
}
