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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("EMBEDDINGS_SERVICE_URL", "http://localhost:8072")
	t.Setenv("MILVUS_URL", "http://localhost:19530")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PIPELINE_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnvDev, cfg.Environment)
	assert.Equal(t, 20, cfg.Limits.LLMConcurrency)
	assert.Equal(t, 10, cfg.Limits.IngestConcurrency)
	assert.Equal(t, 50, cfg.Limits.EmbedConcurrency)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 16, cfg.HNSW.M)
	assert.Equal(t, 0.40, cfg.Intent.ThresholdReject)
	assert.Equal(t, 256, cfg.PartitionCount)
	assert.InDelta(t, 0.60, cfg.Boost.MaxTotal, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("PIPELINE_ENV", "prod")
	t.Setenv("EMBEDDINGS_SERVICE_URL", "")
	t.Setenv("MILVUS_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EMBEDDINGS_SERVICE_URL")
	assert.Contains(t, err.Error(), "MILVUS_URL")
	assert.Contains(t, err.Error(), "prod")
}

func TestLoadInvalidEnvironment(t *testing.T) {
	t.Setenv("PIPELINE_ENV", "qa")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qa")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO_HOST", "milvus.internal")

	assert.Equal(t, "http://milvus.internal:19530", ExpandEnvVars("http://${FOO_HOST}:19530"))
	assert.Equal(t, "fallback", ExpandEnvVars("${UNSET_VAR_XYZ:-fallback}"))
	assert.Equal(t, "milvus.internal", ExpandEnvVars("$FOO_HOST"))
	assert.Equal(t, "no dollars here", ExpandEnvVars("no dollars here"))
}

func TestOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PIPELINE_ENV", "dev")

	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	body := "hnsw:\n  m: 32\n  ef_construction: 512\nboost:\n  keywords: 0.2\n  max_total: 0.5\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("PIPELINE_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.HNSW.M)
	assert.Equal(t, 512, cfg.HNSW.EfConstruction)
	assert.Equal(t, 0.2, cfg.Boost.Keywords)
	assert.Equal(t, 0.5, cfg.Boost.MaxTotal)
}

func TestValidateRejectsBadBatch(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PIPELINE_ENV", "dev")
	t.Setenv("METADATA_BATCH_SIZE", "500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())
}

func TestGetEnvDurationSeconds(t *testing.T) {
	t.Setenv("SOME_TIMEOUT", "45")
	assert.Equal(t, 45*time.Second, getEnvDuration("SOME_TIMEOUT", time.Second))

	t.Setenv("SOME_TIMEOUT", "1m30s")
	assert.Equal(t, 90*time.Second, getEnvDuration("SOME_TIMEOUT", time.Second))
}
