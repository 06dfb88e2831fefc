// Copyright 2025 The corpusflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vectorstore

// MetadataFields are the searchable metadata columns, in boost order.
var MetadataFields = []string{
	"keywords",
	"topics",
	"questions",
	"summary",
	"semantic_keywords",
	"entity_relationships",
	"attributes",
}

// Row is one stored chunk. Multi-value metadata fields are " | " separated
// strings; HeadingPath joins markdown heading levels with " > ".
type Row struct {
	ID                  string    `json:"id"`
	TenantID            string    `json:"tenant_id"`
	DocumentID          string    `json:"document_id"`
	ChunkIndex          int64     `json:"chunk_index"`
	Content             string    `json:"content"`
	Vector              []float32 `json:"vector"`
	Keywords            string    `json:"keywords"`
	Topics              string    `json:"topics"`
	Questions           string    `json:"questions"`
	Summary             string    `json:"summary"`
	SemanticKeywords    string    `json:"semantic_keywords"`
	EntityRelationships string    `json:"entity_relationships"`
	Attributes          string    `json:"attributes"`
	Source              string    `json:"source"`
	HeadingPath         string    `json:"heading_path"`
	TokenCount          int64     `json:"token_count"`
	CreatedAt           int64     `json:"created_at"`
	UpdatedAt           int64     `json:"updated_at"`
}

type fieldSchema struct {
	FieldName         string         `json:"fieldName"`
	DataType          string         `json:"dataType"`
	IsPrimary         bool           `json:"isPrimary,omitempty"`
	IsPartitionKey    bool           `json:"isPartitionKey,omitempty"`
	ElementTypeParams map[string]any `json:"elementTypeParams,omitempty"`
}

// collectionSchema builds the 18-field chunk schema for one embedding
// dimension. tenant_id is the partition key; Milvus hashes tenants across
// the configured number of partitions.
func collectionSchema(dim int) map[string]any {
	varchar := func(name string, maxLength int) fieldSchema {
		return fieldSchema{
			FieldName:         name,
			DataType:          "VarChar",
			ElementTypeParams: map[string]any{"max_length": maxLength},
		}
	}

	fields := []fieldSchema{
		{
			FieldName:         "id",
			DataType:          "VarChar",
			IsPrimary:         true,
			ElementTypeParams: map[string]any{"max_length": 512},
		},
		{
			FieldName:         "tenant_id",
			DataType:          "VarChar",
			IsPartitionKey:    true,
			ElementTypeParams: map[string]any{"max_length": 255},
		},
		varchar("document_id", 512),
		{FieldName: "chunk_index", DataType: "Int64"},
		varchar("content", 65535),
		{
			FieldName:         "vector",
			DataType:          "FloatVector",
			ElementTypeParams: map[string]any{"dim": dim},
		},
		varchar("keywords", 500),
		varchar("topics", 500),
		varchar("questions", 500),
		varchar("summary", 1000),
		varchar("semantic_keywords", 800),
		varchar("entity_relationships", 1000),
		varchar("attributes", 1000),
		varchar("source", 1024),
		varchar("heading_path", 1024),
		{FieldName: "token_count", DataType: "Int64"},
		{FieldName: "created_at", DataType: "Int64"},
		{FieldName: "updated_at", DataType: "Int64"},
	}

	return map[string]any{
		"autoID":             false,
		"enableDynamicField": false,
		"fields":             fields,
	}
}

// indexParams builds the HNSW vector index plus a scalar index on
// document_id for delete-by-document filters.
func indexParams(m, efConstruction int) []map[string]any {
	return []map[string]any{
		{
			"fieldName":  "vector",
			"indexName":  "vector_idx",
			"metricType": "IP",
			"indexType":  "HNSW",
			"params": map[string]any{
				"M":              m,
				"efConstruction": efConstruction,
			},
		},
		{
			"fieldName": "document_id",
			"indexName": "document_id_idx",
			"indexType": "INVERTED",
		},
	}
}
