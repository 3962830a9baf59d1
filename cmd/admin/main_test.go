package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-objectstore/pkg/objectstore"
	"github.com/tendant/simple-objectstore/pkg/objectstore/config"
)

func newRuntime(t *testing.T) *config.Runtime {
	cfg, err := config.Load(config.WithNamespace("demo"))
	require.NoError(t, err)
	rt, err := cfg.Build(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })
	return rt
}

const sampleObject = `{"pid":"demo:7","label":"Sample","state":"A","datastreams":[]}`

func TestParseArgs(t *testing.T) {
	opts := parseArgs([]string{"demo:1", "--format=json", "--generate-pid", "--message=hello world", "--json"})
	assert.Equal(t, []string{"demo:1"}, opts.args)
	assert.Equal(t, "json", opts.format)
	assert.True(t, opts.generatePID)
	assert.Equal(t, "hello world", opts.message)
	assert.True(t, opts.json)

	assert.Equal(t, "xml", parseArgs(nil).format)
}

func TestRun_IngestShowExportPurge(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	var out bytes.Buffer
	err := run(ctx, rt, "ingest", []string{"-", "--format=json", "--json", "--user=alice"}, strings.NewReader(sampleObject), &out)
	require.NoError(t, err)
	var ingested map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &ingested))
	assert.Equal(t, "demo:7", ingested["pid"])

	out.Reset()
	require.NoError(t, run(ctx, rt, "show", []string{"demo:7"}, nil, &out))
	assert.Contains(t, out.String(), "Label:     Sample")
	assert.Contains(t, out.String(), "Owner:     alice")
	assert.Contains(t, out.String(), "DC")

	out.Reset()
	require.NoError(t, run(ctx, rt, "export", []string{"demo:7", "--context=migrate"}, nil, &out))
	assert.Contains(t, out.String(), `pid="demo:7"`)
	assert.Contains(t, out.String(), `context="migrate"`)

	out.Reset()
	require.NoError(t, run(ctx, rt, "purge", []string{"demo:7", "--message=cleanup"}, nil, &out))
	assert.Equal(t, "purged demo:7\n", out.String())

	err = run(ctx, rt, "show", []string{"demo:7"}, nil, &out)
	assert.True(t, errors.Is(err, objectstore.ErrNotFound))
}

func TestRun_SetState(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, rt, "ingest", []string{"-", "--format=json"}, strings.NewReader(sampleObject), &out))

	out.Reset()
	require.NoError(t, run(ctx, rt, "set-state", []string{"demo:7", "inactive", "--message=hide"}, nil, &out))
	assert.Equal(t, "demo:7\tI\n", out.String())

	out.Reset()
	require.NoError(t, run(ctx, rt, "show", []string{"demo:7"}, nil, &out))
	assert.Contains(t, out.String(), "State:     I")

	err := run(ctx, rt, "set-state", []string{"demo:7", "gone"}, nil, &out)
	assert.True(t, errors.Is(err, objectstore.ErrInvalidState))
	assert.Error(t, run(ctx, rt, "set-state", []string{"demo:7"}, nil, &out))
}

func TestRun_NextPID(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()

	var out bytes.Buffer
	require.NoError(t, run(ctx, rt, "next-pid", nil, nil, &out))
	require.NoError(t, run(ctx, rt, "next-pid", []string{"other"}, nil, &out))
	require.NoError(t, run(ctx, rt, "next-pid", nil, nil, &out))
	assert.Equal(t, "demo:1\nother:1\ndemo:2\n", out.String())
}

func TestRun_Errors(t *testing.T) {
	rt := newRuntime(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.Error(t, run(ctx, rt, "export", nil, nil, &out))
	assert.Error(t, run(ctx, rt, "bogus", nil, nil, &out))

	err := run(ctx, rt, "resolve", []string{"demo:CM", "demo:SDef"}, nil, &out)
	assert.True(t, errors.Is(err, objectstore.ErrNotFound))

	err = run(ctx, rt, "export", []string{"demo:1", "--context=secret"}, nil, &out)
	assert.True(t, errors.Is(err, objectstore.ErrInvalidState))
}
