package darknet_test

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/darknet-detect-service/darknet"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestCheckConfigFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "net header", content: "# yolo\n\n[net]\nwidth=416\n[yolo]\nclasses=80\n"},
		{name: "network header", content: "; comment\n [ network ] \nbatch=1\n"},
		{name: "empty", content: "# only comments\n", wantErr: "config has no sections"},
		{name: "wrong first section", content: "[convolutional]\nfilters=32\n", wantErr: "first section must be [net] or [network], got [convolutional]"},
		{name: "option before section", content: "width=416\n[net]\n", wantErr: "option outside of any section"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "net.cfg", []byte(tt.content))
			err := darknet.CheckConfigFile(path)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var pre *darknet.PreflightError
			require.True(t, errors.As(err, &pre))
			assert.Equal(t, tt.wantErr, pre.Message)
			assert.Equal(t, path, pre.Path)
		})
	}
}

func TestCheckConfigFileMissing(t *testing.T) {
	err := darknet.CheckConfigFile(filepath.Join(t.TempDir(), "missing.cfg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func weightsHeader(major, minor, revision int32, seen any) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(major))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(minor))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(revision))
	switch s := seen.(type) {
	case uint32:
		buf = binary.LittleEndian.AppendUint32(buf, s)
	case uint64:
		buf = binary.LittleEndian.AppendUint64(buf, s)
	}
	return buf
}

func TestCheckWeightsFile(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{name: "v0.2 with 64-bit seen", data: weightsHeader(0, 2, 0, uint64(64000)), ok: true},
		{name: "v0.1 with 32-bit seen", data: weightsHeader(0, 1, 0, uint32(64000)), ok: true},
		{name: "v0.2 with 32-bit seen", data: weightsHeader(0, 2, 0, uint32(64000))},
		{name: "version only", data: weightsHeader(0, 2, 0, nil)},
		{name: "empty", data: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := darknet.CheckWeightsFile(writeFile(t, "net.weights", tt.data))
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var pre *darknet.PreflightError
			require.True(t, errors.As(err, &pre))
			assert.Equal(t, "truncated weights header", pre.Message)
		})
	}
}
