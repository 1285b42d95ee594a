package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("test", nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Bus.Kind)
	assert.Equal(t, "data_reader", cfg.Reader.RoutingHeader)
	assert.Equal(t, 60*time.Second, cfg.Reader.LookupTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Reader.RetrieveTimeout)
	assert.Equal(t, int64(64<<20), cfg.Reader.MaxSegmentSize)
	assert.Equal(t, "file", cfg.Content.Kind)
}

func TestLoad_FileThenFlags(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
bus:
  kind: nats
  url: nats://bus:4222
reader:
  lookup_timeout: 5s
  workers: 4
meta:
  store: etcd
  etcd_endpoints: [http://etcd-1:2379, http://etcd-2:2379]
content:
  kind: s3
  s3:
    bucket: objects
    endpoint: http://minio:9000
gateway:
  nodes:
    - id: a
      routing_header: data_reader_a
    - id: b
      routing_header: data_reader_b
`)
	cfg, err := Load("test", []string{"--config", path, "--workers", "8", "--log-level", "warn"})
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Log.Level, "flag beats file")
	assert.Equal(t, 8, cfg.Reader.Workers, "flag beats file")
	assert.Equal(t, 5*time.Second, cfg.Reader.LookupTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Reader.RetrieveTimeout, "default kept")
	assert.Equal(t, "nats://bus:4222", cfg.Bus.URL)
	assert.Equal(t, []string{"http://etcd-1:2379", "http://etcd-2:2379"}, cfg.Meta.EtcdEndpoints)
	assert.Equal(t, "objects", cfg.Content.S3.Bucket)
	require.Len(t, cfg.Gateway.Nodes, 2)
	assert.Equal(t, "data_reader_b", cfg.Gateway.Nodes[1].RoutingHeader)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, "reader:\n  lookup_timout: 5s\n")
	_, err := Load("test", []string{"-c", path})
	require.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load("test", []string{"--bus", "kafka", "--content", "s3"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.kind")
	assert.Contains(t, err.Error(), "content.s3.bucket")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("test", []string{"--config", filepath.Join(t.TempDir(), "nope.yaml")})
	require.Error(t, err)
}
