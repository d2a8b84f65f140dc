package reggraph

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// A NormalizedDocument is the record handed to the core by the external
// ingestion/normalization collaborator. Its text is what the extractor and
// diff engine operate on.
type NormalizedDocument struct {
	DocumentID    string    `json:"document_id"`
	SourceURL     string    `json:"source_url"`
	Text          string    `json:"text"`
	ContentSHA256 string    `json:"content_sha256"`
	RetrievedAt   time.Time `json:"retrieved_at"`
}

// An EntityBatch is the wire event carrying a document's extracted entities
// to the graph store. Events are validated against a fixed JSON Schema before
// acceptance; a malformed event is rejected whole, never partially applied.
type EntityBatch struct {
	EventID    string   `json:"event_id"`
	DocumentID string   `json:"document_id"`
	SourceURL  string   `json:"source_url,omitempty"`
	Timestamp  string   `json:"timestamp"`
	Entities   []Entity `json:"entities"`
}

// NewEntityBatch stamps a fresh event around the given extraction result. A
// nil extraction result yields an empty entities array, which the schema
// accepts; zero matches is a valid outcome, not a malformed event.
func NewEntityBatch(doc NormalizedDocument, entities []Entity) EntityBatch {
	if entities == nil {
		entities = []Entity{}
	}
	return EntityBatch{
		EventID:    uuid.NewString(),
		DocumentID: doc.DocumentID,
		SourceURL:  doc.SourceURL,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Entities:   entities,
	}
}

// Encode serializes the event for the message boundary.
func (b EntityBatch) Encode() ([]byte, error) {
	return json.Marshal(b)
}

//go:embed eventschema.json
var eventSchemaJSON []byte

// The schema is fixed at build time; failing to compile it is a programming
// error, not an input error.
var eventSchema = func() *jsonschema.Schema {
	const name = "entities.extracted.schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, bytes.NewReader(eventSchemaJSON)); err != nil {
		panic(fmt.Sprintf("reggraph: add event schema resource: %v", err))
	}
	return c.MustCompile(name)
}()

// DecodeEntityBatch parses and validates a wire event. A non-nil error means
// the event is malformed and must be rejected at the boundary (logged, not
// retried); the returned batch is only meaningful when the error is nil.
func DecodeEntityBatch(p []byte) (EntityBatch, error) {
	// Validate the raw document first so schema violations are reported in
	// wire terms, before any Go-side decoding can mask them.
	var raw any
	if err := json.Unmarshal(p, &raw); err != nil {
		return EntityBatch{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := eventSchema.Validate(raw); err != nil {
		return EntityBatch{}, fmt.Errorf("validate event: %w", err)
	}

	var batch EntityBatch
	if err := json.Unmarshal(p, &batch); err != nil {
		return EntityBatch{}, fmt.Errorf("decode event: %w", err)
	}
	return batch, nil
}
