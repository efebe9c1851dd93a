package domain

import (
	"fmt"
	"sort"
	"strings"
)

// PublicTasksWindow is the number of tasks the publicTasks subscription
// returns per request.
const PublicTasksWindow = 50

var runTypeCodes = map[string]string{
	"url":  "0",
	"file": "1",
}

var extensionCodes = map[string]string{
	"exe":    "0",
	"dll":    "1",
	"java":   "2",
	"html":   "3",
	"flash":  "4",
	"pdf":    "5",
	"office": "6",
	"script": "7",
	"email":  "8",
}

var verdictCodes = map[string]int{
	"malicious":  2,
	"normal":     1,
	"no-threats": 0,
}

// VerdictForThreatLevel returns the verdict name for a task threat level,
// or "" for an unknown level.
func VerdictForThreatLevel(level int) string {
	for name, code := range verdictCodes {
		if code == level {
			return name
		}
	}
	return ""
}

// RunTypes, Extensions and Verdicts list the accepted filter names.
func RunTypes() []string   { return keys(runTypeCodes) }
func Extensions() []string { return keys(extensionCodes) }
func Verdicts() []string   { return keys(verdictCodes) }

// SearchParams filters public task listings and searches. The zero value
// matches every public task.
type SearchParams struct {
	Private     bool // include the caller's private tasks
	Hash        string
	RunTypes    []string // "url", "file"
	Name        string
	Verdicts    []string // "malicious", "normal", "no-threats"
	Extensions  []string // "exe", "dll", ...
	IP          string
	Domain      string
	FileHash    string
	MITREID     string
	SuricataSID int
	Significant bool
	Tag         string
	Skip        int
}

// SearchQuery is the wire form of SearchParams.
type SearchQuery struct {
	IsPublic    bool     `json:"isPublic"`
	Hash        string   `json:"hash"`
	RunType     []string `json:"runtype"`
	Name        string   `json:"name"`
	Verdict     []int    `json:"verdict"`
	Ext         []string `json:"ext"`
	IP          string   `json:"ip"`
	Domain      string   `json:"domain"`
	FileHash    string   `json:"fileHash"`
	MITREID     string   `json:"mitreId"`
	SID         int      `json:"sid"`
	Significant bool     `json:"significant"`
	Tag         string   `json:"tag"`
	Skip        int      `json:"skip"`
}

// Query translates p into its wire form. Filter names are case-insensitive;
// an unknown name fails with ErrInvalidInput.
func (p SearchParams) Query() (SearchQuery, error) {
	if p.Skip < 0 {
		return SearchQuery{}, fmt.Errorf("%w: skip must be >= 0, got %d", ErrInvalidInput, p.Skip)
	}
	q := SearchQuery{
		IsPublic:    !p.Private,
		Hash:        p.Hash,
		RunType:     []string{},
		Name:        p.Name,
		Verdict:     []int{},
		Ext:         []string{},
		IP:          p.IP,
		Domain:      p.Domain,
		FileHash:    p.FileHash,
		MITREID:     p.MITREID,
		SID:         p.SuricataSID,
		Significant: p.Significant,
		Tag:         p.Tag,
		Skip:        p.Skip,
	}
	for _, rt := range p.RunTypes {
		code, ok := runTypeCodes[strings.ToLower(rt)]
		if !ok {
			return SearchQuery{}, fmt.Errorf("%w: unknown run type %q (want %s)", ErrInvalidInput, rt, strings.Join(RunTypes(), ", "))
		}
		q.RunType = append(q.RunType, code)
	}
	for _, v := range p.Verdicts {
		code, ok := verdictCodes[strings.ToLower(v)]
		if !ok {
			return SearchQuery{}, fmt.Errorf("%w: unknown verdict %q (want %s)", ErrInvalidInput, v, strings.Join(Verdicts(), ", "))
		}
		q.Verdict = append(q.Verdict, code)
	}
	for _, ext := range p.Extensions {
		code, ok := extensionCodes[strings.ToLower(ext)]
		if !ok {
			return SearchQuery{}, fmt.Errorf("%w: unknown extension %q (want %s)", ErrInvalidInput, ext, strings.Join(Extensions(), ", "))
		}
		q.Ext = append(q.Ext, code)
	}
	return q, nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
