package domain

import (
	"encoding/json"
	"fmt"
)

// Run types as reported in task documents.
const (
	RunTypeURL  = "url"
	RunTypeFile = "file"
)

// Task is a read-only view over a task document published by the service.
// Raw keeps the document as received.
type Task struct {
	Raw json.RawMessage
	doc taskDocument
}

type taskDocument struct {
	UUID   string   `json:"uuid"`
	Tags   []string `json:"tags"`
	Scores struct {
		Verdict struct {
			ThreatLevel int `json:"threat_level"`
		} `json:"verdict"`
	} `json:"scores"`
	Public struct {
		Environment struct {
			OS json.RawMessage `json:"OS"`
		} `json:"environment"`
		Objects struct {
			RunType    string     `json:"runType"`
			MainObject MainObject `json:"mainObject"`
		} `json:"objects"`
	} `json:"public"`
}

// MainObject is the submitted file or URL of a task.
type MainObject struct {
	UUID   string `json:"uuid"`
	Hashes struct {
		MD5    string `json:"md5"`
		SHA1   string `json:"sha1"`
		SHA256 string `json:"sha256"`
	} `json:"hashes"`
	Names struct {
		Basename string `json:"basename"`
		URL      string `json:"url"`
	} `json:"names"`
	Info struct {
		Meta struct {
			File string          `json:"file"`
			MIME string          `json:"mime"`
			Exif json.RawMessage `json:"exif"`
			OLE  json.RawMessage `json:"ole"`
		} `json:"meta"`
	} `json:"info"`
}

// NewTask parses a task document.
func NewTask(raw json.RawMessage) (Task, error) {
	var doc taskDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Task{}, fmt.Errorf("%w: task document: %v", ErrDecode, err)
	}
	return Task{Raw: raw, doc: doc}, nil
}

// NewTasks parses every document in raws.
func NewTasks(raws []json.RawMessage) ([]Task, error) {
	tasks := make([]Task, 0, len(raws))
	for _, raw := range raws {
		t, err := NewTask(raw)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (t Task) UUID() string           { return t.doc.UUID }
func (t Task) Tags() []string         { return t.doc.Tags }
func (t Task) ThreatLevel() int       { return t.doc.Scores.Verdict.ThreatLevel }
func (t Task) RunType() string        { return t.doc.Public.Objects.RunType }
func (t Task) MainObject() MainObject { return t.doc.Public.Objects.MainObject }
func (t Task) ObjectUUID() string     { return t.MainObject().UUID }
func (t Task) MD5() string            { return t.MainObject().Hashes.MD5 }
func (t Task) SHA1() string           { return t.MainObject().Hashes.SHA1 }
func (t Task) SHA256() string         { return t.MainObject().Hashes.SHA256 }

// OSVersion returns the environment's OS descriptor as sent.
func (t Task) OSVersion() json.RawMessage { return t.doc.Public.Environment.OS }

// Verdict maps the threat level onto its verdict name.
func (t Task) Verdict() string { return VerdictForThreatLevel(t.ThreatLevel()) }

// Name is the file basename for file tasks and the URL otherwise.
func (t Task) Name() string {
	names := t.MainObject().Names
	if t.RunType() == RunTypeFile {
		return names.Basename
	}
	return names.URL
}

// FileType, MIMEType, Exif and OLE are empty for URL tasks.
func (t Task) FileType() string {
	if !t.IsDownloadable() {
		return ""
	}
	return t.MainObject().Info.Meta.File
}

func (t Task) MIMEType() string {
	if !t.IsDownloadable() {
		return ""
	}
	return t.MainObject().Info.Meta.MIME
}

func (t Task) Exif() json.RawMessage {
	if !t.IsDownloadable() {
		return nil
	}
	return t.MainObject().Info.Meta.Exif
}

func (t Task) OLE() json.RawMessage {
	if !t.IsDownloadable() {
		return nil
	}
	return t.MainObject().Info.Meta.OLE
}

// IsDownloadable reports whether the main object is a file sample.
func (t Task) IsDownloadable() bool { return t.RunType() != RunTypeURL }
