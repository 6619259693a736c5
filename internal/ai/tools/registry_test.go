package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func echoTool(name string) Tool {
	return Tool{
		Name:        name,
		Description: "echo",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: func(_ context.Context, input json.RawMessage, _ CallContext) (Output, error) {
			var in struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return Output{}, err
			}
			return Output{Text: in.Text}, nil
		},
	}
}

func TestRegistry_RegisterLookupList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool("b")))
	require.NoError(t, reg.Register(echoTool("a")))

	got, ok := reg.Lookup("a")
	require.True(t, ok)
	require.Equal(t, "a", got.Name)

	_, ok = reg.Lookup("missing")
	require.False(t, ok)

	all := reg.List(nil)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Name)
	require.Equal(t, "b", all[1].Name)

	some := reg.List([]string{"b", "nope", "b"})
	require.Len(t, some, 1)
	require.Equal(t, "b", some[0].Name)

	require.Empty(t, reg.List([]string{}))
}

func TestRegistry_RegisterRejectsBrokenTools(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.Error(t, reg.Register(Tool{Name: "", Handler: echoTool("x").Handler}))
	require.Error(t, reg.Register(Tool{Name: "nohandler"}))
	require.Error(t, reg.Register(Tool{
		Name:        "badschema",
		InputSchema: json.RawMessage(`{"type": 12}`),
		Handler:     echoTool("x").Handler,
	}))
}

func TestRegistry_Validate(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool("echo")))

	require.NoError(t, reg.Validate("echo", json.RawMessage(`{"text":"hi"}`)))

	err := reg.Validate("echo", json.RawMessage(`{"text":1}`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidInput))

	err = reg.Validate("echo", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrInvalidInput)

	err = reg.Validate("echo", json.RawMessage(`{not json`))
	require.ErrorIs(t, err, ErrInvalidInput)

	err = reg.Validate("missing", json.RawMessage(`{}`))
	require.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegistry_DefaultSchemaAcceptsEmptyInput(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	tool := echoTool("noschema")
	tool.InputSchema = nil
	require.NoError(t, reg.Register(tool))
	require.NoError(t, reg.Validate("noschema", nil))
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	te := ClassifyError(Invocation{
		ToolName: ToolReadFile,
		Input:    json.RawMessage(`{"path":"docs/readme.md"}`),
		WorkDir:  root,
	}, errors.New("open docs/readme.md: no such file or directory"))
	require.Equal(t, ErrorCodeNotFound, te.Code)
	require.Equal(t, root+"/docs/readme.md", te.NormalizedPath)
	require.Contains(t, te.Text(), "Error [NOT_FOUND]")
	require.Contains(t, te.Text(), "Did you mean")

	te = ClassifyError(Invocation{}, context.DeadlineExceeded)
	require.Equal(t, ErrorCodeTimeout, te.Code)

	te = ClassifyError(Invocation{}, errors.Join(ErrInvalidInput, errors.New("text is required")))
	require.Equal(t, ErrorCodeInvalidInput, te.Code)

	orig := &ToolError{Code: ErrorCodePermissionDenied, Message: "nope"}
	require.Same(t, orig, ClassifyError(Invocation{}, orig))

	require.Nil(t, ClassifyError(Invocation{}, nil))
}

func TestResolvePath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	got, err := resolvePath(root, "a/../b.txt")
	require.NoError(t, err)
	require.Equal(t, root+"/b.txt", got)

	_, err = resolvePath(root, "../escape.txt")
	require.Error(t, err)
	require.Contains(t, err.Error(), "outside workspace")

	_, err = resolvePath(root, "/etc/passwd")
	require.Error(t, err)
}
