package serialization

import (
	"encoding/json"
	"errors"

	"github.com/glimte/productbridge/contracts"
)

// ContentType is the content type of every payload produced by this package
const ContentType = "application/json"

var (
	errMissingID    = errors.New("missing or empty required field \"id\"")
	errMissingEvent = errors.New("missing required field \"event\"")
)

// wireEvent mirrors the envelope with pointer fields so that absent keys can
// be told apart from empty strings.
type wireEvent struct {
	ID      *string `json:"id"`
	Name    *string `json:"name"`
	Type    *string `json:"type"`
	Version *string `json:"version"`
	Event   *string `json:"event"`
}

type wireProduct struct {
	ID      *string `json:"id"`
	Name    *string `json:"name"`
	Type    *string `json:"type"`
	Version *string `json:"version"`
}

// EncodeEvent serializes a product event into the wire envelope
//
//	{"id":"..","name":"..","type":"..","version":"..","event":"CREATED"}
func EncodeEvent(e contracts.ProductEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a wire envelope. The "id" and "event" keys are required
// and the id must not be empty;
// the remaining fields may be absent (a DELETED event only needs an id).
// The action value is not validated here: an unknown action is a store
// concern, not a decoding failure.
func DecodeEvent(data []byte) (contracts.ProductEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return contracts.ProductEvent{}, decodeError("ProductEvent", data, err)
	}
	if w.ID == nil || *w.ID == "" {
		return contracts.ProductEvent{}, decodeError("ProductEvent", data, errMissingID)
	}
	if w.Event == nil {
		return contracts.ProductEvent{}, decodeError("ProductEvent", data, errMissingEvent)
	}

	return contracts.ProductEvent{
		Product: contracts.Product{
			ID:      *w.ID,
			Name:    deref(w.Name),
			Type:    deref(w.Type),
			Version: deref(w.Version),
		},
		Event: contracts.Action(*w.Event),
	}, nil
}

// EncodeProduct serializes a reply payload; it carries only entity fields.
func EncodeProduct(p contracts.Product) ([]byte, error) {
	return json.Marshal(p)
}

// DecodeProduct parses a reply payload. Unknown keys (including "event") are
// ignored; a non-empty "id" is required.
func DecodeProduct(data []byte) (contracts.Product, error) {
	var w wireProduct
	if err := json.Unmarshal(data, &w); err != nil {
		return contracts.Product{}, decodeError("Product", data, err)
	}
	if w.ID == nil || *w.ID == "" {
		return contracts.Product{}, decodeError("Product", data, errMissingID)
	}

	return contracts.Product{
		ID:      *w.ID,
		Name:    deref(w.Name),
		Type:    deref(w.Type),
		Version: deref(w.Version),
	}, nil
}

func decodeError(target string, data []byte, err error) error {
	return &contracts.DecodeError{Target: target, Size: len(data), Err: err}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
