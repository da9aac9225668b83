package command

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		input   string
		want    Endpoint
		wantErr bool
	}{
		{input: "192.168.1.100", want: Endpoint{Host: "192.168.1.100", Port: DefaultPort}},
		{input: "192.168.1.100:9000", want: Endpoint{Host: "192.168.1.100", Port: 9000}},
		{input: "  desktop.local  ", want: Endpoint{Host: "desktop.local", Port: DefaultPort}},
		{input: "[::1]:4000", want: Endpoint{Host: "::1", Port: 4000}},
		{input: "::1", want: Endpoint{Host: "::1", Port: DefaultPort}},
		{input: "", wantErr: true},
		{input: "host:0", wantErr: true},
		{input: "host:70000", wantErr: true},
		{input: ":1234", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseEndpoint(tt.input, DefaultPort)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidationFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "10.0.0.2:12345", Endpoint{Host: "10.0.0.2", Port: 12345}.String())
	assert.Equal(t, "[::1]:80", Endpoint{Host: "::1", Port: 80}.String())
}

func TestParseKind(t *testing.T) {
	kind, args, err := ParseKind("open_notepad")
	require.NoError(t, err)
	assert.Equal(t, KindOpenApp, kind)
	assert.Equal(t, "notepad", args.App)

	kind, _, err = ParseKind("list_dir")
	require.NoError(t, err)
	assert.Equal(t, KindListDirectory, kind)

	kind, _, err = ParseKind("SHUTDOWN")
	require.NoError(t, err)
	assert.Equal(t, KindShutdown, kind)

	_, _, err = ParseKind("format_c")
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestKindIdempotent(t *testing.T) {
	assert.True(t, KindOpenApp.Idempotent())
	assert.True(t, KindListDirectory.Idempotent())
	assert.False(t, KindShutdown.Idempotent())
}

func TestArgsValidate(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		args  Args
		valid bool
	}{
		{"open app", KindOpenApp, Args{App: "notepad"}, true},
		{"open app with args", KindOpenApp, Args{App: "notepad", AppArgs: []string{"todo.txt"}}, true},
		{"open app missing name", KindOpenApp, Args{}, false},
		{"open app path", KindOpenApp, Args{App: `C:\Windows\notepad.exe`}, false},
		{"open app foreign field", KindOpenApp, Args{App: "notepad", Path: "/tmp"}, false},
		{"list directory", KindListDirectory, Args{Path: "/tmp"}, true},
		{"list directory empty path", KindListDirectory, Args{Path: "  "}, false},
		{"list directory foreign field", KindListDirectory, Args{Path: "/tmp", DelaySeconds: Delay(1)}, false},
		{"shutdown default delay", KindShutdown, Args{}, true},
		{"shutdown zero delay", KindShutdown, Args{DelaySeconds: Delay(0)}, true},
		{"shutdown delay", KindShutdown, Args{DelaySeconds: Delay(60)}, true},
		{"shutdown delay too large", KindShutdown, Args{DelaySeconds: Delay(MaxShutdownDelay + 1)}, false},
		{"shutdown foreign field", KindShutdown, Args{App: "notepad"}, false},
		{"unknown kind", KindUnknown, Args{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.args.Validate(tt.kind)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidationFailed)
			}
		})
	}
}

func TestTag(t *testing.T) {
	assert.Equal(t, "", Tag(nil))
	assert.Equal(t, "not_connected", Tag(fmt.Errorf("execute: %w", ErrNotConnected)))
	assert.Equal(t, "auth_failed", Tag(ErrAuthFailed))
	assert.Equal(t, "connection_lost", Tag(fmt.Errorf("wrapped: %w", ErrConnectionLost)))
	assert.Equal(t, "execution_failed", Tag(&ErrorDetail{Code: CodeExecutionFailed, Message: "boom"}))
	assert.Equal(t, "cancelled", Tag(context.Canceled))
	assert.Equal(t, "internal", Tag(fmt.Errorf("something else")))
}

func TestArgsCompact(t *testing.T) {
	args := Args{App: "notepad", AppArgs: []string{}}
	assert.Nil(t, args.Compact().AppArgs)
	assert.NotNil(t, args.AppArgs)

	args = Args{App: "notepad", AppArgs: []string{"a.txt"}}
	assert.Equal(t, args, args.Compact())
}

func TestEmptyListingJSON(t *testing.T) {
	b, err := json.Marshal(DirectoryListing{Path: "/empty"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"/empty","entries":[],"truncated":false}`, string(b))

	b, err = json.Marshal(&DirectoryListing{Path: "/", Entries: []DirEntry{{Name: "a"}}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"name":"a"`)
}

func TestKindText(t *testing.T) {
	b, err := KindUnknown.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "unknown", string(b))

	k := KindShutdown
	require.NoError(t, k.UnmarshalText([]byte("unknown")))
	assert.Equal(t, KindUnknown, k)
	assert.False(t, k.Valid())

	_, _, err = ParseKind("unknown")
	assert.ErrorIs(t, err, ErrValidationFailed)
}
