package domain

import (
	"encoding/json"
	"fmt"
)

// Reputation labels indexed by the numeric reputation of an IoC entry.
var reputationLabels = map[int]string{
	0: "unknown",
	1: "suspicious",
	2: "malicious",
	3: "whitelisted",
	4: "unsafe",
}

// IoCObject is one indicator in a task's IoC report.
type IoCObject struct {
	Category   string          `json:"category"`
	Type       string          `json:"type"`
	IoC        string          `json:"ioc"`
	Name       string          `json:"name"`
	Reputation int             `json:"reputation"`
	Raw        json.RawMessage `json:"-"`
}

// ReputationLabel names the indicator's reputation.
func (o IoCObject) ReputationLabel() string {
	if l, ok := reputationLabels[o.Reputation]; ok {
		return l
	}
	return fmt.Sprintf("reputation(%d)", o.Reputation)
}

// IoC is a task's indicator-of-compromise report.
type IoC struct {
	MainObjects  []IoCObject
	DroppedFiles []IoCObject
	DNS          []IoCObject
	Connections  []IoCObject
	Raw          json.RawMessage
}

// NewIoC parses an IoC report. The report groups indicators under
// human-readable section names; missing sections are empty.
func NewIoC(raw json.RawMessage) (IoC, error) {
	var sections map[string][]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return IoC{}, fmt.Errorf("%w: ioc report: %v", ErrDecode, err)
	}
	ioc := IoC{Raw: raw}
	var err error
	if ioc.MainObjects, err = parseIoCObjects(sections["Main object"]); err != nil {
		return IoC{}, err
	}
	if ioc.DroppedFiles, err = parseIoCObjects(sections["Dropped executable file"]); err != nil {
		return IoC{}, err
	}
	if ioc.DNS, err = parseIoCObjects(sections["DNS requests"]); err != nil {
		return IoC{}, err
	}
	if ioc.Connections, err = parseIoCObjects(sections["Connections"]); err != nil {
		return IoC{}, err
	}
	return ioc, nil
}

func parseIoCObjects(raws []json.RawMessage) ([]IoCObject, error) {
	out := make([]IoCObject, 0, len(raws))
	for _, raw := range raws {
		var o IoCObject
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("%w: ioc entry: %v", ErrDecode, err)
		}
		o.Raw = raw
		out = append(out, o)
	}
	return out, nil
}
