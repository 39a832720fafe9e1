package model

import (
	"context"
	"strings"
	"testing"

	"github.com/hupe1980/agentgate/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Model = (*MockModel)(nil)

func drain(t *testing.T, respCh <-chan Response, errCh <-chan error) ([]Response, error) {
	t.Helper()
	var out []Response
	for r := range respCh {
		out = append(out, r)
	}
	return out, <-errCh
}

func TestMockModel_CannedResponse(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.AddResponse("2+2", "4")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.NewTextContent("user", "2+2")},
	})
	resps, err := drain(t, respCh, errCh)
	require.NoError(t, err)
	require.Len(t, resps, 1)
	assert.Equal(t, "4", resps[0].Content.Text())
	assert.False(t, resps[0].Partial)
}

func TestMockModel_StreamingConcatenatesToFinal(t *testing.T) {
	m := NewMockModel("mock", "mock")

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.NewTextContent("user", "hello there")},
		Stream:   true,
	})
	resps, err := drain(t, respCh, errCh)
	require.NoError(t, err)
	require.Greater(t, len(resps), 2)

	var sb strings.Builder
	for _, r := range resps[:len(resps)-1] {
		assert.True(t, r.Partial)
		sb.WriteString(r.Content.Text())
	}
	final := resps[len(resps)-1]
	assert.Equal(t, final.Content.Text(), sb.String())
	assert.Equal(t, "Mock response to: hello there", final.Content.Text())
}

func TestMockModel_Responder(t *testing.T) {
	m := NewMockModel("mock", "mock")
	m.SetResponder(func(req Request) string { return strings.ToUpper(req.LastUserText()) })

	respCh, errCh := m.Generate(context.Background(), Request{
		Contents: []core.Content{core.NewTextContent("user", "abc")},
	})
	resps, err := drain(t, respCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, "ABC", resps[0].Content.Text())
}

func TestMockModel_NoContents(t *testing.T) {
	m := NewMockModel("mock", "mock")
	respCh, errCh := m.Generate(context.Background(), Request{})
	_, err := drain(t, respCh, errCh)
	assert.Error(t, err)
}

func TestSplitKeepSpace(t *testing.T) {
	assert.Equal(t, []string{"a ", "b  ", "c"}, splitKeepSpace("a b  c"))
	assert.Nil(t, splitKeepSpace(""))
}
