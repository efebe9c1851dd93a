package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fileTaskJSON = `{
	"uuid": "7a3b9c1e-0000-4000-8000-000000000001",
	"tags": ["trojan", "emotet"],
	"scores": {"verdict": {"threat_level": 2}},
	"public": {
		"environment": {"OS": {"title": "Windows 7", "bitness": 32}},
		"objects": {
			"runType": "file",
			"mainObject": {
				"uuid": "obj-1",
				"hashes": {"md5": "m", "sha1": "s1", "sha256": "s256"},
				"names": {"basename": "invoice.doc", "url": ""},
				"info": {"meta": {"file": "Composite Document File", "mime": "application/msword", "exif": {"Author": "x"}}}
			}
		}
	}
}`

const urlTaskJSON = `{
	"uuid": "u2",
	"scores": {"verdict": {"threat_level": 0}},
	"public": {"objects": {"runType": "url", "mainObject": {
		"uuid": "obj-2",
		"names": {"url": "http://example.com/"},
		"info": {"meta": {"file": "ignored", "mime": "ignored"}}
	}}}
}`

func TestTaskFileAccessors(t *testing.T) {
	task, err := NewTask(json.RawMessage(fileTaskJSON))
	require.NoError(t, err)

	assert.Equal(t, "7a3b9c1e-0000-4000-8000-000000000001", task.UUID())
	assert.Equal(t, []string{"trojan", "emotet"}, task.Tags())
	assert.Equal(t, 2, task.ThreatLevel())
	assert.Equal(t, "malicious", task.Verdict())
	assert.Equal(t, RunTypeFile, task.RunType())
	assert.Equal(t, "obj-1", task.ObjectUUID())
	assert.Equal(t, "m", task.MD5())
	assert.Equal(t, "s1", task.SHA1())
	assert.Equal(t, "s256", task.SHA256())
	assert.Equal(t, "invoice.doc", task.Name())
	assert.Equal(t, "Composite Document File", task.FileType())
	assert.Equal(t, "application/msword", task.MIMEType())
	assert.JSONEq(t, `{"Author":"x"}`, string(task.Exif()))
	assert.JSONEq(t, `{"title":"Windows 7","bitness":32}`, string(task.OSVersion()))
	assert.True(t, task.IsDownloadable())
}

func TestTaskURLAccessors(t *testing.T) {
	task, err := NewTask(json.RawMessage(urlTaskJSON))
	require.NoError(t, err)

	assert.Equal(t, "http://example.com/", task.Name())
	assert.Equal(t, "no-threats", task.Verdict())
	assert.False(t, task.IsDownloadable())
	assert.Empty(t, task.FileType())
	assert.Empty(t, task.MIMEType())
	assert.Nil(t, task.Exif())
	assert.Nil(t, task.OLE())
}

func TestNewTasksRejectsMalformed(t *testing.T) {
	_, err := NewTasks([]json.RawMessage{json.RawMessage(urlTaskJSON), json.RawMessage(`[1,2]`)})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestNewIoC(t *testing.T) {
	ioc, err := NewIoC(json.RawMessage(`{
		"Main object": [{"category": "Main object", "type": "sha256", "ioc": "abc", "reputation": 2}],
		"DNS requests": [{"category": "DNS requests", "type": "domain", "ioc": "evil.example", "reputation": 1}],
		"Connections": [{"type": "ip", "ioc": "10.0.0.1", "reputation": 9}]
	}`))
	require.NoError(t, err)

	require.Len(t, ioc.MainObjects, 1)
	assert.Equal(t, "malicious", ioc.MainObjects[0].ReputationLabel())
	assert.Equal(t, "sha256", ioc.MainObjects[0].Type)
	assert.Empty(t, ioc.DroppedFiles)
	require.Len(t, ioc.DNS, 1)
	assert.Equal(t, "suspicious", ioc.DNS[0].ReputationLabel())
	assert.Equal(t, "reputation(9)", ioc.Connections[0].ReputationLabel())
}

func TestNewIoCMalformed(t *testing.T) {
	_, err := NewIoC(json.RawMessage(`"nope"`))
	assert.ErrorIs(t, err, ErrDecode)
	_, err = NewIoC(json.RawMessage(`{"Connections": [1]}`))
	assert.ErrorIs(t, err, ErrDecode)
}
