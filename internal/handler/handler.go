package handler

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/UltraSive/kvstate/internal/storage"
)

const (
	TypeGet     = "GET"
	TypeList    = "LIST"
	TypeUpdate  = "UPDATE"
	TypeChanges = "CHANGES"
	TypePing    = "PING"

	TypeOK  = "OK"
	TypeErr = "ERR"
)

type Request struct {
	Type   string   `json:"type"`
	Keys   []string `json:"keys,omitempty"`
	Prefix string   `json:"prefix,omitempty"`

	// Items maps keys to their new raw value; null removes the key.
	Items  map[string]*string `json:"items,omitempty"`
	Origin string             `json:"origin,omitempty"`
	Since  uint64             `json:"since,omitempty"`
}

type Response struct {
	Type      string             `json:"type"`
	Error     string             `json:"error,omitempty"`
	Values    map[string]*string `json:"values,omitempty"`
	Keys      []string           `json:"keys,omitempty"`
	Changes   []storage.Record   `json:"changes,omitempty"`
	Next      uint64             `json:"next,omitempty"`
	Truncated bool               `json:"truncated,omitempty"`
}

// Handler serves requests against a shared store on behalf of remote contexts.
type Handler struct {
	Shared *storage.Shared
	Log    *zap.Logger
}

func New(shared *storage.Shared, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Shared: shared, Log: log}
}

func errResponse(err error) Response {
	return Response{Type: TypeErr, Error: err.Error()}
}

func (h *Handler) Serve(req Request) Response {
	switch req.Type {
	case TypeGet:
		res := make(map[string]*string, len(req.Keys))
		for _, k := range req.Keys {
			v, ok, err := h.Shared.Get(k)
			if err != nil {
				return errResponse(err)
			}
			if ok {
				res[k] = &v
			} else {
				res[k] = nil
			}
		}
		return Response{Type: TypeOK, Values: res}

	case TypeList:
		keys, err := h.Shared.Keys(req.Prefix)
		if err != nil {
			return errResponse(err)
		}
		return Response{Type: TypeOK, Keys: keys}

	case TypeUpdate:
		// Items apply one at a time in key order, not atomically: the first
		// failure ends the request and earlier items stay written.
		for _, k := range slices.Sorted(maps.Keys(req.Items)) {
			raw := req.Items[k]
			var err error
			if raw == nil {
				err = h.Shared.Delete(req.Origin, k)
			} else {
				err = h.Shared.Put(req.Origin, k, *raw)
			}
			if err != nil {
				h.Log.Warn("update failed", zap.String("key", k), zap.String("origin", req.Origin), zap.Error(err))
				return errResponse(err)
			}
		}
		return Response{Type: TypeOK}

	case TypeChanges:
		j := h.Shared.Journal()
		if j == nil {
			return Response{Type: TypeErr, Error: "change journal disabled"}
		}
		recs, next, truncated := j.Since(req.Since, req.Origin)
		return Response{Type: TypeOK, Changes: recs, Next: next, Truncated: truncated}

	case TypePing:
		return Response{Type: TypeOK}

	default:
		return Response{Type: TypeErr, Error: "unknown type"}
	}
}

// ServeBytes decodes a JSON request, serves it and encodes the response. It
// is the function both transports are built around.
func (h *Handler) ServeBytes(payload []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return json.Marshal(errResponse(fmt.Errorf("decode request: %w", err)))
	}
	return json.Marshal(h.Serve(req))
}
